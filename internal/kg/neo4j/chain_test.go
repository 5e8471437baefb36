package neo4j

import "testing"

func edges(pairs ...string) []Dependency {
	var deps []Dependency
	for i := 0; i+1 < len(pairs); i += 2 {
		deps = append(deps, Dependency{ProjectID: "p", From: pairs[i], To: pairs[i+1]})
	}
	return deps
}

func TestLongestChain(t *testing.T) {
	tests := []struct {
		name string
		deps []Dependency
		want int
	}{
		{"empty", nil, 0},
		{"single edge", edges("a", "b"), 1},
		{"linear", edges("a", "b", "b", "c", "c", "d"), 3},
		{"diamond", edges("a", "b", "a", "c", "b", "d", "c", "d", "d", "e"), 3},
		{"disconnected picks longest", edges("a", "b", "x", "y", "y", "z"), 2},
		{"cycle terminates", edges("a", "b", "b", "c", "c", "a"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LongestChain(tt.deps); got != tt.want {
				t.Fatalf("LongestChain = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLongestChainOrderIndependent(t *testing.T) {
	a := edges("a", "b", "b", "c", "x", "c", "c", "d")
	b := edges("c", "d", "x", "c", "b", "c", "a", "b")
	if LongestChain(a) != LongestChain(b) {
		t.Fatalf("order changed result: %d vs %d", LongestChain(a), LongestChain(b))
	}
}
