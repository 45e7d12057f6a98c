package cache

import "testing"

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" host1:11211, ,host2:11211 ")
	if len(got) != 2 || got[0] != "host1:11211" || got[1] != "host2:11211" {
		t.Errorf("parseAddrs() = %v, want [host1:11211 host2:11211]", got)
	}
	if got := parseAddrs(""); len(got) != 0 {
		t.Errorf("parseAddrs(\"\") = %v, want empty", got)
	}
}

func TestMemcacheKey(t *testing.T) {
	if got := memcacheKey(Key("Saudi Arabia")); got != "weather_saudi_arabia" {
		t.Errorf("memcacheKey() = %q, want weather_saudi_arabia", got)
	}
}

func TestMemcachedStore_Name(t *testing.T) {
	s := NewMemcachedStore("", 0, 0)
	defer s.Close()
	if s.Name() != "memcached" {
		t.Errorf("Name() = %q, want memcached", s.Name())
	}
}
