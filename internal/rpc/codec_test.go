package rpc

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	req := &HelloRequest{Namespace: "db1"}

	data, err := Codec.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got HelloRequest
	if err := Codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Namespace != req.Namespace {
		t.Fatalf("got namespace %q, want %q", got.Namespace, req.Namespace)
	}
	if Codec.Name() != "json" {
		t.Fatalf("got codec name %q, want json", Codec.Name())
	}
}
