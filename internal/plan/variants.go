package plan

import (
	"fmt"
	"strings"
)

// Variant is a materialized variant record. The baseline is always index 0;
// declared variants follow in plan order.
type Variant struct {
	ID               string            `json:"id"`
	Bindings         map[string]any    `json:"bindings,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Image            string            `json:"image,omitempty"`
	RuntimeOverrides map[string]any    `json:"runtime_overrides,omitempty"`
}

// ResolveVariants derives the ordered variant list from the experiment spec.
// An image override is materialized as a runtime-overrides patch so the
// executor sees a single override surface.
func ResolveVariants(e *Experiment) ([]Variant, error) {
	specs := append([]VariantSpec{e.Baseline}, e.Variants...)
	out := make([]Variant, 0, len(specs))
	seen := map[string]int{}
	for i, s := range specs {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("variant %d has an empty id", i)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("variant id %q declared twice (entries %d and %d)", id, prev, i)
		}
		seen[id] = i
		out = append(out, materializeVariant(s))
	}
	if _, ok := seen[out[0].ID]; !ok {
		return nil, fmt.Errorf("baseline id %q missing from resolved variants", out[0].ID)
	}
	return out, nil
}

func materializeVariant(s VariantSpec) Variant {
	v := Variant{
		ID:       s.ID,
		Bindings: s.Bindings,
		Args:     append([]string(nil), s.Args...),
		Env:      s.Env,
		Image:    s.Image,
	}
	if len(s.RuntimeOverrides) > 0 || s.Image != "" {
		v.RuntimeOverrides = map[string]any{}
		for k, val := range s.RuntimeOverrides {
			v.RuntimeOverrides[k] = val
		}
		if s.Image != "" {
			v.RuntimeOverrides["image"] = s.Image
		}
	}
	return v
}

// Digest seals the materialized variant record.
func (v Variant) Digest() (string, error) {
	return DigestOf(v)
}

// VariantIDs lists ids in plan order; index 0 is the baseline.
func VariantIDs(variants []Variant) []string {
	ids := make([]string, len(variants))
	for i, v := range variants {
		ids[i] = v.ID
	}
	return ids
}
