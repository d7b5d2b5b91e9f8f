package registry

import (
	"testing"

	"channelmux/internal/wire"
)

func TestTransportDuplicateNameRejected(t *testing.T) {
	_, err := NewBuilder().
		Transport("websocket", "WS", TransportConfig{Serializer: wire.NewJSONSerializer()}).
		Transport("websocket", "WS2", TransportConfig{Serializer: wire.NewJSONSerializer()}).
		Build()
	if err == nil {
		t.Fatal("expected duplicate transport name to be a configuration error")
	}
}

func TestTransportLegacySerializerAccepted(t *testing.T) {
	r, err := NewBuilder().
		Transport("websocket", "WS", TransportConfig{Serializer: wire.NewJSONSerializer()}).
		Build()
	if err != nil {
		t.Fatalf("legacy bare-serializer form should still build: %v", err)
	}
	binding, ok := r.Transport("websocket")
	if !ok {
		t.Fatal("expected transport to be registered")
	}
	if len(binding.Serializers) != 1 {
		t.Fatalf("expected the bare serializer to be wrapped into one version entry, got %d", len(binding.Serializers))
	}
}

func TestTransportVersionedSerializers(t *testing.T) {
	cases := []struct {
		name        string
		requirement string
		wantErr     bool
	}{
		{"tilde", "~> 2.0.0", false},
		{"gte", ">= 1.0", false},
		{"bare version", "2.1.0", false},
		{"garbage", "banana", true},
		{"empty", "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewBuilder().
				Transport("websocket", "WS", TransportConfig{
					Serializer: []SerializerVersion{{Serializer: wire.NewJSONSerializer(), Requirement: c.requirement}},
				}).
				Build()
			if (err != nil) != c.wantErr {
				t.Fatalf("requirement %q: err = %v, wantErr = %v", c.requirement, err, c.wantErr)
			}
		})
	}
}

func TestTransportRequiresSerializer(t *testing.T) {
	_, err := NewBuilder().
		Transport("websocket", "WS", TransportConfig{}).
		Build()
	if err == nil {
		t.Fatal("expected missing serializer configuration to be an error")
	}
}
