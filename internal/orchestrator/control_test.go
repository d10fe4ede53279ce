package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duskcrew/scavminer/internal/model"
)

func TestGetStatusReflectsOrchestratorState(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.state.setMining(true)
	o.state.setChallenge(&model.Challenge{ChallengeID: "c1"})
	o.userSolutionsCount = 3

	var reply StatusReply
	if err := o.GetStatus(nil, &ControlArgs{}, &reply); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !reply.Mining || reply.CurrentChallengeID != "c1" || reply.UserSolutionsCount != 3 {
		t.Fatalf("GetStatus() = %+v, want mining=true challenge=c1 solutions=3", reply)
	}
}

func TestGetWorkerStatsReturnsPublishedSnapshots(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.state.PublishStats(model.WorkerStats{WorkerID: 0, Address: "a0", Status: model.WorkerMining})
	o.state.PublishStats(model.WorkerStats{WorkerID: 1, Address: "a1", Status: model.WorkerIdle})

	var reply WorkerStatsReply
	if err := o.GetWorkerStats(nil, &ControlArgs{}, &reply); err != nil {
		t.Fatalf("GetWorkerStats: %v", err)
	}
	if len(reply.Workers) != 2 {
		t.Fatalf("len(Workers) = %d, want 2", len(reply.Workers))
	}
}

func TestGetDevFeeStatsReflectsRotator(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.fee.SetEnabled(true)

	var reply DevFeeStatsReply
	if err := o.GetDevFeeStats(nil, &ControlArgs{}, &reply); err != nil {
		t.Fatalf("GetDevFeeStats: %v", err)
	}
	if !reply.Enabled {
		t.Fatalf("expected Enabled true after SetEnabled(true)")
	}
	if reply.TotalDevFeeSolutions != 0 {
		t.Fatalf("TotalDevFeeSolutions = %d, want 0 for a fresh rotator", reply.TotalDevFeeSolutions)
	}
}

func TestControlRouterServesGetStatusOverJSONRPC(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.state.setMining(true)

	srv := httptest.NewServer(o.NewControlRouter())
	defer srv.Close()

	body := []byte(`{"method":"orchestrator.GetStatus","params":[{}],"id":1}`)
	resp, err := http.Post(srv.URL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Result StatusReply `json:"result"`
		Error  any         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	if out.Error != nil {
		t.Fatalf("unexpected rpc error: %v", out.Error)
	}
	if !out.Result.Mining {
		t.Fatalf("Result.Mining = false, want true")
	}
}
