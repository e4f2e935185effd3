package record

// Acl is the access-control block stored under _acl.
type Acl struct {
	Creator     string   `json:"creator,omitempty"`
	GlobalRead  *bool    `json:"gr,omitempty"`
	GlobalWrite *bool    `json:"gw,omitempty"`
	Readers     []string `json:"r,omitempty"`
	Writers     []string `json:"w,omitempty"`
}

// IsZero reports whether no field of the block is set.
func (a Acl) IsZero() bool {
	return a.Creator == "" && a.GlobalRead == nil && a.GlobalWrite == nil &&
		len(a.Readers) == 0 && len(a.Writers) == 0
}

// CanWrite reports whether userID may modify the entity: creators, listed
// writers, and everyone when global write is on.
func (a Acl) CanWrite(userID string) bool {
	if a.GlobalWrite != nil && *a.GlobalWrite {
		return true
	}

	if userID == "" {
		return false
	}

	if a.Creator == userID {
		return true
	}

	for _, w := range a.Writers {
		if w == userID {
			return true
		}
	}

	return false
}

// Metadata is the _kmd block maintained by the backend.
type Metadata struct {
	LastModified string `json:"lmt,omitempty"`
	Created      string `json:"ect,omitempty"`
	LastRead     string `json:"llt,omitempty"`
	AuthToken    string `json:"authtoken,omitempty"`
}
