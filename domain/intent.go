package domain

// CardPatch is the body of PATCH /api/cards/:id. Exactly one positioning
// form may be supplied: the explicit form (ListID+Position) or the intent
// form (DestListID+DestIndex), in which case the store recomputes the
// canonical position from a fresh neighbour query. Field deltas may ride
// along either form or appear alone.
type CardPatch struct {
	// explicit form
	ListID   *string  `json:"listId,omitempty"`
	Position *float64 `json:"position,omitempty"`
	// intent form
	DestListID *string `json:"destListId,omitempty"`
	DestIndex  *int    `json:"destIndex,omitempty"`
	// field deltas
	Title *string `json:"title,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

// Repositions reports whether the patch changes ordering at all.
func (p CardPatch) Repositions() bool {
	return p.Position != nil || p.DestIndex != nil || p.ListID != nil || p.DestListID != nil
}

// ListPatch is the body of PATCH /api/lists/:id.
type ListPatch struct {
	Position  *float64 `json:"position,omitempty"`
	DestIndex *int     `json:"destIndex,omitempty"`
	Title     *string  `json:"title,omitempty"`
}

// Repositions reports whether the patch changes ordering at all.
func (p ListPatch) Repositions() bool {
	return p.Position != nil || p.DestIndex != nil
}
