package main

import (
	"encoding/json"
	"net/http"

	"goa.design/clue/log"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/clarify"
	"github.com/reportflow/reportflow/orchestrator"
)

// The HTTP layer is deliberately thin: decode, delegate to the orchestrator,
// encode. All domain behavior lives behind the service.

type (
	submitRequest struct {
		TenantID  string   `json:"tenant_id"`
		SessionID string   `json:"session_id"`
		Text      string   `json:"text"`
		AgentIDs  []string `json:"agent_ids,omitempty"`
	}

	clarifyRequest struct {
		SessionID string            `json:"session_id"`
		Answers   map[string]string `json:"answers"`
	}

	resultPayload struct {
		AgentID       string             `json:"agent_id"`
		Fields        map[string]any     `json:"fields,omitempty"`
		Confidence    map[string]float64 `json:"confidence,omitempty"`
		ElapsedMillis int64              `json:"elapsed_ms"`
		Error         string             `json:"error,omitempty"`
		DegradedTools []string           `json:"degraded_tools,omitempty"`
	}

	itemPayload struct {
		AgentID    string  `json:"agent_id"`
		Field      string  `json:"field"`
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
		Question   string  `json:"question"`
	}

	errorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	responsePayload struct {
		RunID   string          `json:"run_id,omitempty"`
		Status  string          `json:"status"`
		Results []resultPayload `json:"results,omitempty"`
		Items   []itemPayload   `json:"clarification_items,omitempty"`
		Error   *errorPayload   `json:"error,omitempty"`
	}
)

func mountAPI(mux *http.ServeMux, service *orchestrator.Service) {
	mux.HandleFunc("POST /v1/requests", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		resp := service.SubmitAgentRequest(r.Context(), orchestrator.Request{
			TenantID:  req.TenantID,
			SessionID: req.SessionID,
			RawText:   req.Text,
			AgentIDs:  req.AgentIDs,
		})
		writeResponse(w, r, resp)
	})

	mux.HandleFunc("POST /v1/clarifications", func(w http.ResponseWriter, r *http.Request) {
		var req clarifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		resp := service.SubmitClarificationAnswers(r.Context(), req.SessionID, req.Answers)
		writeResponse(w, r, resp)
	})
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp orchestrator.Response) {
	payload := responsePayload{
		RunID:   resp.RunID,
		Status:  string(resp.Status),
		Results: resultPayloads(resp.Results),
		Items:   itemPayloads(resp.Items),
	}
	status := http.StatusOK
	if resp.Err != nil {
		payload.Error = &errorPayload{Code: string(resp.Err.Code), Message: resp.Err.Message}
		status = statusFor(resp.Err.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf(r.Context(), err, "encode response")
	}
}

func resultPayloads(results []agent.Result) []resultPayload {
	out := make([]resultPayload, 0, len(results))
	for _, res := range results {
		p := resultPayload{
			AgentID:       res.AgentID,
			Fields:        res.Fields,
			Confidence:    res.Confidence,
			ElapsedMillis: res.Elapsed.Milliseconds(),
			DegradedTools: res.DegradedTools,
		}
		if res.Err != nil {
			p.Error = res.Err.Error()
		}
		out = append(out, p)
	}
	return out
}

func itemPayloads(items []clarify.Item) []itemPayload {
	out := make([]itemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, itemPayload{
			AgentID:    item.AgentID,
			Field:      item.Field,
			Value:      item.Value,
			Confidence: item.Confidence,
			Question:   item.Question,
		})
	}
	return out
}

func statusFor(code orchestrator.Code) int {
	switch code {
	case orchestrator.CodeUnknownAgent, orchestrator.CodeNoPendingRun:
		return http.StatusNotFound
	case orchestrator.CodeCycle:
		return http.StatusUnprocessableEntity
	case orchestrator.CodeTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
