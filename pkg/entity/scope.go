package entity

import (
	"fmt"
	"strings"
)

type ScopeLevel int

const (
	// ScopeGlobal entity types are fetched with a single call.
	ScopeGlobal ScopeLevel = iota
	// ScopePlant entity types are fetched once per plant.
	ScopePlant
	// ScopeIssue entity types are fetched once per plant issue revision.
	ScopeIssue
)

func (l ScopeLevel) String() string {
	switch l {
	case ScopePlant:
		return "plant"
	case ScopeIssue:
		return "issue"
	default:
		return "global"
	}
}

// Scope narrows a unit of work to a plant or a plant issue revision.
type Scope struct {
	PlantID       string `json:"plant_id,omitempty"`
	IssueRevision string `json:"issue_revision,omitempty"`
}

func (s Scope) Level() ScopeLevel {
	switch {
	case s.PlantID != "" && s.IssueRevision != "":
		return ScopeIssue
	case s.PlantID != "":
		return ScopePlant
	default:
		return ScopeGlobal
	}
}

func (s Scope) IsZero() bool {
	return s.PlantID == "" && s.IssueRevision == ""
}

// Key renders the scope as stored in run records: "", "<plant>" or "<plant>/<issue>".
func (s Scope) Key() string {
	switch s.Level() {
	case ScopeIssue:
		return s.PlantID + "/" + s.IssueRevision
	case ScopePlant:
		return s.PlantID
	default:
		return ""
	}
}

func (s Scope) String() string {
	if s.IsZero() {
		return "all"
	}
	return s.Key()
}

// ParseScope reverses Scope.Key.
func ParseScope(key string) (Scope, error) {
	key = strings.TrimSpace(key)
	if key == "" || key == "all" {
		return Scope{}, nil
	}
	parts := strings.Split(key, "/")
	switch len(parts) {
	case 1:
		return Scope{PlantID: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Scope{}, fmt.Errorf("invalid scope %q", key)
		}
		return Scope{PlantID: parts[0], IssueRevision: parts[1]}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope %q", key)
	}
}

// value returns the scope component that fills column, if any.
func (s Scope) value(column string) string {
	switch column {
	case ColumnPlantID:
		return s.PlantID
	case ColumnIssueRevision:
		return s.IssueRevision
	}
	return ""
}
