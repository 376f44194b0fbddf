package proto

import "github.com/google/uuid"

// ComponentKind names a replicated component.
type ComponentKind string

const (
	ComponentToken       ComponentKind = "token"
	ComponentCursor      ComponentKind = "cursor"
	ComponentOwner       ComponentKind = "owner"
	ComponentSharedAsset ComponentKind = "shared_asset"
	ComponentName        ComponentKind = "name"
)

// AllComponents lists every replicated component in wire order.
var AllComponents = []ComponentKind{
	ComponentToken,
	ComponentCursor,
	ComponentOwner,
	ComponentSharedAsset,
	ComponentName,
}

// Token is an object placed on the table.
type Token struct {
	Position Vec2    `json:"position"`
	Layer    float64 `json:"layer"`
}

// Cursor is a participant's pointer.
type Cursor struct {
	Position Vec2 `json:"position"`
}

// Owner names the client allowed to author the entity. Zero means host.
type Owner struct {
	Client uint64 `json:"client"`
}

// SharedAssetRef points at shared content by UUID.
type SharedAssetRef struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
}

// Name is a display label.
type Name struct {
	Text string `json:"text"`
}

// Components is the closed set of replicated component values. A nil field
// means the component is absent from the packet.
type Components struct {
	Token       *Token          `json:"token,omitempty"`
	Cursor      *Cursor         `json:"cursor,omitempty"`
	Owner       *Owner          `json:"owner,omitempty"`
	SharedAsset *SharedAssetRef `json:"shared_asset,omitempty"`
	Name        *Name           `json:"name,omitempty"`
}

// Has reports whether the component is present.
func (c Components) Has(kind ComponentKind) bool {
	switch kind {
	case ComponentToken:
		return c.Token != nil
	case ComponentCursor:
		return c.Cursor != nil
	case ComponentOwner:
		return c.Owner != nil
	case ComponentSharedAsset:
		return c.SharedAsset != nil
	case ComponentName:
		return c.Name != nil
	default:
		return false
	}
}

// Kinds lists the present components.
func (c Components) Kinds() []ComponentKind {
	var kinds []ComponentKind
	for _, kind := range AllComponents {
		if c.Has(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Empty reports whether no component is present.
func (c Components) Empty() bool {
	return len(c.Kinds()) == 0
}

// Only returns a copy that keeps the components for which keep is true.
func (c Components) Only(keep func(ComponentKind) bool) Components {
	var out Components
	for _, kind := range c.Kinds() {
		if keep(kind) {
			out = out.With(kind, c)
		}
	}
	return out
}

// With copies one component from src.
func (c Components) With(kind ComponentKind, src Components) Components {
	switch kind {
	case ComponentToken:
		if src.Token != nil {
			v := *src.Token
			c.Token = &v
		}
	case ComponentCursor:
		if src.Cursor != nil {
			v := *src.Cursor
			c.Cursor = &v
		}
	case ComponentOwner:
		if src.Owner != nil {
			v := *src.Owner
			c.Owner = &v
		}
	case ComponentSharedAsset:
		if src.SharedAsset != nil {
			v := *src.SharedAsset
			c.SharedAsset = &v
		}
	case ComponentName:
		if src.Name != nil {
			v := *src.Name
			c.Name = &v
		}
	}
	return c
}

// Merge overlays every component present in other.
func (c Components) Merge(other Components) Components {
	for _, kind := range other.Kinds() {
		c = c.With(kind, other)
	}
	return c
}

// Clone deep-copies the component set.
func (c Components) Clone() Components {
	return Components{}.Merge(c)
}
