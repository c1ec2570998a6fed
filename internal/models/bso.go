package models

// Core domain models

// BSO is a Basic Storage Object as held by a storage backend. Expiry is
// an absolute unix-seconds deadline; zero means the item never expires.
type BSO struct {
	ID        string    `json:"id"`
	Modified  Timestamp `json:"modified"`
	SortIndex int       `json:"sortindex,omitempty"`
	Payload   string    `json:"payload"`
	Expiry    int64     `json:"expiry,omitempty"`
}

// Expired reports whether the item's ttl has elapsed at the given
// unix-seconds time.
func (b *BSO) Expired(now int64) bool {
	return b.Expiry != 0 && b.Expiry <= now
}

// PutBSO is a partial BSO as submitted by a client. Nil fields are left
// untouched on an existing item. TTL is relative seconds-from-now and is
// converted to an absolute expiry when applied.
type PutBSO struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int    `json:"sortindex,omitempty"`
	TTL       *int64  `json:"ttl,omitempty"`
}

// PayloadSize returns the size in bytes this write contributes to the
// user's quota.
func (p *PutBSO) PayloadSize() int64 {
	if p.Payload == nil {
		return 0
	}
	return int64(len(*p.Payload))
}

// ApplyTo folds the partial update into an existing item. The modified
// stamp is only bumped when a payload is present, matching backend
// versioning semantics. now is the current unix-seconds time used to
// resolve relative ttls.
func (p *PutBSO) ApplyTo(b *BSO, modified Timestamp, now int64) {
	if p.Payload != nil {
		b.Payload = *p.Payload
		b.Modified = modified
	}
	if p.SortIndex != nil {
		b.SortIndex = *p.SortIndex
	}
	if p.TTL != nil {
		b.Expiry = now + *p.TTL
	}
}

// NewBSO materializes a partial update as a fresh item.
func (p *PutBSO) NewBSO(modified Timestamp, now int64) BSO {
	b := BSO{ID: p.ID, Modified: modified}
	p.ApplyTo(&b, modified, now)
	return b
}
