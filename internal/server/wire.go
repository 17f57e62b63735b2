package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Messages of the work service. They travel as google.protobuf.Struct so
// that the service needs no generated code; the JSON tags of these types
// are the wire schema.

type pollRequest struct {
	WorkerID string `json:"worker_id"`
	Max      int    `json:"max"`
}

type pollResponse struct {
	Tasks []types.WorkTask `json:"tasks"`
}

type reportRequest struct {
	WorkerID string        `json:"worker_id"`
	Token    string        `json:"token"`
	Outcome  types.Outcome `json:"outcome"`
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
}

type heartbeatResponse struct {
	Cancelled bool `json:"cancelled"`
}

type empty struct{}

// toStruct converts a wire message to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct fills ptr from s.
func fromStruct(s *structpb.Struct, ptr any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", ptr, err)
	}
	if err := json.Unmarshal(raw, ptr); err != nil {
		return fmt.Errorf("decode %T: %w", ptr, err)
	}
	return nil
}
