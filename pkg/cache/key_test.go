package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "simple endpoint no params",
			key:  Key{Endpoint: "/market/priceoverview/"},
			want: "market/priceoverview",
		},
		{
			name: "params sorted by name",
			key: Key{
				Endpoint: "/market/priceoverview",
				Params: url.Values{
					"market_hash_name": []string{"AK-47 | Redline"},
					"appid":            []string{"730"},
					"currency":         []string{"1"},
				},
			},
			want: "market/priceoverview:appid=730:currency=1:market_hash_name=AK-47 | Redline",
		},
		{
			name: "multi-valued param sorted and joined",
			key: Key{
				Endpoint: "/stats/players",
				Params:   url.Values{"id": []string{"3", "1", "2"}},
			},
			want: "stats/players:id=1,2,3",
		},
		{
			name: "scoped key",
			key: Key{
				Endpoint: "/profile/summary",
				Scope:    "76561198000000000",
			},
			want: "profile/summary:scope=76561198000000000",
		},
		{
			name: "empty key",
			key:  Key{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestKey_Determinism ensures same input always produces same key
func TestKey_Determinism(t *testing.T) {
	key := Key{
		Endpoint: "/market/priceoverview",
		Params: url.Values{
			"appid":            []string{"730"},
			"currency":         []string{"1"},
			"market_hash_name": []string{"Case Key"},
			"country":          []string{"US"},
		},
		Scope: "owner-1",
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if got := key.String(); got != first {
			t.Errorf("iteration %d = %v, want %v (not deterministic)", i, got, first)
		}
	}
}

func TestKey_DoesNotMutateParams(t *testing.T) {
	params := url.Values{"id": []string{"b", "a"}}
	_ = Key{Endpoint: "x", Params: params}.String()
	if params["id"][0] != "b" {
		t.Error("String() reordered the caller's parameter slice")
	}
}

func TestCompositeKey(t *testing.T) {
	if got := compositeKey(RegionMarket, "item:1"); got != "market:item:1" {
		t.Errorf("compositeKey() = %q", got)
	}
}
