package domain

// Board is the top-level container collaborators share.
type Board struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner,omitempty"`
}

// List is an ordered column of cards on a board. Position orders it among
// its sibling lists.
type List struct {
	ID       string  `json:"id"`
	BoardID  string  `json:"boardId"`
	Title    string  `json:"title"`
	Position float64 `json:"position"`
}

// Card belongs to exactly one list at a time. Position orders it among the
// cards of that list; it is unique enough among siblings, not globally.
type Card struct {
	ID       string  `json:"id"`
	BoardID  string  `json:"boardId"`
	ListID   string  `json:"listId"`
	Title    string  `json:"title"`
	Notes    string  `json:"notes,omitempty"`
	Position float64 `json:"position"`
}

// BoardSnapshot is the read model served to clients: lists sorted by
// position, cards sorted within each list.
type BoardSnapshot struct {
	Board Board  `json:"board"`
	Lists []List `json:"lists"`
	Cards []Card `json:"cards"`
}
