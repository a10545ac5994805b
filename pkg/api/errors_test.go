package api

import (
	"encoding/json"
	"testing"
)

func TestAPIErrorInterface(t *testing.T) {
	var _ error = &APIError{}
}

func TestAPIErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{
			"with param",
			&APIError{Type: ErrorTypeInvalidRequest, Param: "num_ticks", Message: "must be positive"},
			"invalid_request: must be positive (param: num_ticks)",
		},
		{
			"without param",
			&APIError{Type: ErrorTypeServerError, Message: "internal failure"},
			"server_error: internal failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("APIError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *APIError
		wantType  ErrorType
		wantCode  string
		wantParam string
	}{
		{"invalid request", NewInvalidRequestError("strategies", "at least one"), ErrorTypeInvalidRequest, "", "strategies"},
		{"resource", NewResourceError("disk full"), ErrorTypeResourceError, "", ""},
		{"execution failure", NewExecutionFailure(3, "boom"), ErrorTypeExecutionFailure, "exit_3", ""},
		{"timeout", NewTimeoutError("exceeded 60s"), ErrorTypeTimeout, "", ""},
		{"parse", NewParseError("A_pnl.csv", "bad row"), ErrorTypeParseError, "", "A_pnl.csv"},
		{"not found", NewNotFoundError("no session"), ErrorTypeNotFound, "", ""},
		{"too many requests", NewTooManyRequestsError("busy"), ErrorTypeTooManyRequests, "", ""},
		{"server error", NewServerError("internal failure"), ErrorTypeServerError, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", tt.err.Type, tt.wantType)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", tt.err.Param, tt.wantParam)
			}
		})
	}
}

func TestErrorResponseJSON(t *testing.T) {
	resp := ErrorResponse{Error: NewExecutionFailure(1, "segfault")}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	e := got["error"]
	if e["type"] != "execution_failure" {
		t.Errorf("type = %v, want execution_failure", e["type"])
	}
	if e["code"] != "exit_1" {
		t.Errorf("code = %v, want exit_1", e["code"])
	}
	if e["message"] != "segfault" {
		t.Errorf("message = %v, want segfault", e["message"])
	}
	if _, ok := e["param"]; ok {
		t.Error("param should be omitted when empty")
	}
}
