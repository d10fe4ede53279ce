package orchestrator

import (
	"net/http"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	rpcjson "github.com/gorilla/rpc/json"
	"go.uber.org/zap"

	"github.com/duskcrew/scavminer/internal/model"
)

// ControlArgs is the (empty) args type every status RPC method accepts.
// gorilla/rpc requires a named args type even when a method takes none.
type ControlArgs struct{}

// StatusReply is the payload for orchestrator.GetStatus.
type StatusReply struct {
	Mining             bool   `json:"mining"`
	CurrentChallengeID string `json:"current_challenge_id"`
	UserSolutionsCount int    `json:"user_solutions_count"`
}

// WorkerStatsReply is the payload for orchestrator.GetWorkerStats.
type WorkerStatsReply struct {
	Workers []model.WorkerStats `json:"workers"`
}

// DevFeeStatsReply is the payload for orchestrator.GetDevFeeStats.
type DevFeeStatsReply struct {
	Enabled              bool `json:"enabled"`
	TotalDevFeeSolutions int  `json:"total_dev_fee_solutions"`
}

// GetStatus reports the orchestrator's top-level state.
func (o *Orchestrator) GetStatus(r *http.Request, args *ControlArgs, reply *StatusReply) error {
	reply.Mining = o.IsMining()
	reply.CurrentChallengeID = o.CurrentChallengeID()
	reply.UserSolutionsCount = o.UserSolutionsCount()
	return nil
}

// GetWorkerStats reports every worker's last-published status.
func (o *Orchestrator) GetWorkerStats(r *http.Request, args *ControlArgs, reply *WorkerStatsReply) error {
	stats := o.WorkerStats()
	reply.Workers = stats
	o.logger.Debug("control: GetWorkerStats", zap.String("dump", spew.Sdump(stats)))
	return nil
}

// GetDevFeeStats reports the dev-fee rotator's session totals.
func (o *Orchestrator) GetDevFeeStats(r *http.Request, args *ControlArgs, reply *DevFeeStatsReply) error {
	reply.Enabled, reply.TotalDevFeeSolutions = o.DevFeeStats()
	return nil
}

// NewControlRouter builds the read-only JSON-RPC status surface (spec
// §4.11), the same gorilla/mux + gorilla/rpc wiring the teacher's
// Miner.MinerMain registers for miner.GetPoolsStats/GetHardwareStats. This
// is not a dashboard — it exposes snapshot RPC methods only.
func (o *Orchestrator) NewControlRouter() http.Handler {
	s := rpc.NewServer()
	s.RegisterCodec(rpcjson.NewCodec(), "application/json")
	s.RegisterCodec(rpcjson.NewCodec(), "application/json;charset=UTF-8")
	s.RegisterService(o, "orchestrator")

	r := mux.NewRouter()
	r.Handle("/rpc", s)
	return r
}
