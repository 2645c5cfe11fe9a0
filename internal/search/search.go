package search

// EntryRecord is the data indexed for one roster slot.
type EntryRecord struct {
	ID        string   `json:"id"`
	UID       string   `json:"uid"`
	PartyID   int      `json:"partyId"`
	Slot      int      `json:"slot"`
	Name      string   `json:"name"`
	ImageURL  string   `json:"imageUrl"`
	Skills    []string `json:"skills"`
	PartyName string   `json:"partyName"`
}

// Result is a single roster search hit.
type Result struct {
	PartyID   int      `json:"partyId"`
	Slot      int      `json:"slot"`
	Name      string   `json:"name"`
	ImageURL  string   `json:"imageUrl"`
	Skills    []string `json:"skills"`
	PartyName string   `json:"partyName,omitempty"`
}

// Query describes a roster search request, always scoped to one identity.
type Query struct {
	UID         string
	Text        string
	FilterParty int // 0 = all parties
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a roster search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
