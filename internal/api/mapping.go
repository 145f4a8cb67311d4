package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/fleet-assistant/internal/services"
)

// askEnvelope is the wire shape of an ask call on both transports.
type askEnvelope struct {
	SessionID    string   `json:"session_id"`
	Question     string   `json:"question"`
	Environments []string `json:"environments"`
	TokenBudget  int      `json:"token_budget"`
	RowLimit     int      `json:"row_limit"`
}

func (e askEnvelope) options() services.AskOptions {
	return services.AskOptions{
		Question:     e.Question,
		Environments: append([]string(nil), e.Environments...),
		TokenBudget:  e.TokenBudget,
		RowLimit:     e.RowLimit,
	}
}

// FromProtoAskRequest maps a gRPC struct into a session id and ask options.
func FromProtoAskRequest(req *structpb.Struct) (string, services.AskOptions, error) {
	if req == nil {
		return "", services.AskOptions{}, fmt.Errorf("request is nil")
	}
	var env askEnvelope
	if err := fromStruct(req, &env); err != nil {
		return "", services.AskOptions{}, err
	}
	if strings.TrimSpace(env.SessionID) == "" {
		return "", services.AskOptions{}, fmt.Errorf("session_id is required")
	}
	return env.SessionID, env.options(), nil
}

// SessionFromProto extracts the session id of a session-scoped call.
func SessionFromProto(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	id := req.GetFields()["session_id"].GetStringValue()
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("session_id is required")
	}
	return id, nil
}

// ToProto converts any JSON-tagged domain value into a struct message.
// Durations and timestamps follow their JSON encodings.
func ToProto(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("response is not an object: %w", err)
	}
	return structpb.NewStruct(fields)
}

func fromStruct(s *structpb.Struct, dst any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
