package rpc

import "encoding/json"

// jsonCodec is a gRPC encoding.Codec that marshals messages as JSON,
// exactly as the teacher's cmd/server registers for its own hand-rolled
// service — kept here instead of reaching for protoc-generated wire types.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Codec is the shared codec instance registered with grpc's encoding
// package and forced on outgoing client calls.
var Codec = jsonCodec{}
