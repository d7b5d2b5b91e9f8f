package registry

import "testing"

func TestLookupExactAndWildcard(t *testing.T) {
	r, err := NewBuilder().
		Channel("room:lobby", "LobbyChannel", Options{}).
		Channel("room:*", "RoomChannel", Options{}).
		Channel("room:vip:*", "VIPRoomChannel", Options{}).
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	cases := []struct {
		topic   string
		factory ChannelFactory
		ok      bool
	}{
		{"room:lobby", "LobbyChannel", true},
		{"room:42", "RoomChannel", true},
		{"room:vip:1", "VIPRoomChannel", true}, // longest prefix wins over "room:*"
		{"nope:1", nil, false},
	}

	for _, c := range cases {
		t.Run(c.topic, func(t *testing.T) {
			route, ok := r.Lookup(c.topic)
			if ok != c.ok {
				t.Fatalf("Lookup(%q) ok = %v, want %v", c.topic, ok, c.ok)
			}
			if ok && route.Factory != c.factory {
				t.Fatalf("Lookup(%q) factory = %v, want %v", c.topic, route.Factory, c.factory)
			}
		})
	}
}

func TestRejectsMisplacedWildcard(t *testing.T) {
	_, err := NewBuilder().
		Channel("a:*:b", "X", Options{}).
		Build()
	if err == nil {
		t.Fatal("expected registration error for misplaced wildcard")
	}
}

func TestRejectsBareWildcard(t *testing.T) {
	_, err := NewBuilder().
		Channel("*", "X", Options{}).
		Build()
	if err == nil {
		t.Fatal("expected registration error for bare wildcard pattern")
	}
}

func TestLookupMiss(t *testing.T) {
	r, err := NewBuilder().Channel("room:*", "RoomChannel", Options{}).Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if _, ok := r.Lookup("chat:general"); ok {
		t.Fatal("expected lookup miss for unregistered topic")
	}
}
