package business

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed catalog.toml
var defaultCatalogTOML []byte

// Member is a team member and the contexts they work in. A member mapped to
// more than one context carries no classification signal unless an override
// keyword is present.
type Member struct {
	Name      string     `toml:"name"`
	Aliases   []string   `toml:"aliases"`
	Contexts  []ID       `toml:"contexts"`
	Overrides []Override `toml:"overrides"`
}

// Override moves a member's tasks to Context when Keyword occurs in the text.
type Override struct {
	Keyword string `toml:"keyword"`
	Context ID     `toml:"context"`
}

// Catalog is the immutable set of business contexts, the team roster and the
// tie-break order used by the Resolver.
type Catalog struct {
	contexts []Context
	byID     map[ID]Context
	members  []Member
	tieBreak []ID
}

type catalogFile struct {
	TieBreak []ID      `toml:"tie_break"`
	Contexts []Context `toml:"context"`
	Members  []Member  `toml:"member"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogTOML)
	if err != nil {
		panic(fmt.Sprintf("embedded business catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path returns DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading business catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and validates TOML catalog data.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("parsing business catalog: %w", err)
	}
	return NewCatalog(f.Contexts, f.Members, f.TieBreak)
}

// NewCatalog validates and builds a catalog. An empty tieBreak orders contexts
// by ascending id.
func NewCatalog(contexts []Context, members []Member, tieBreak []ID) (*Catalog, error) {
	if len(contexts) == 0 {
		return nil, fmt.Errorf("catalog must define at least one business context")
	}

	c := &Catalog{byID: make(map[ID]Context, len(contexts))}
	for _, ctx := range contexts {
		if !ctx.ID.Valid() {
			return nil, fmt.Errorf("business context %q: id must be positive", ctx.Name)
		}
		if _, dup := c.byID[ctx.ID]; dup {
			return nil, fmt.Errorf("business context %d defined twice", ctx.ID)
		}
		if ctx.Name == "" {
			return nil, fmt.Errorf("business context %d: name is required", ctx.ID)
		}
		if ctx.DisplayName == "" {
			ctx.DisplayName = ctx.Name
		}
		ctx.Keywords = lowerAll(ctx.Keywords)
		ctx.Locations = lowerAll(ctx.Locations)
		c.byID[ctx.ID] = ctx
		c.contexts = append(c.contexts, ctx)
	}
	slices.SortFunc(c.contexts, func(a, b Context) int { return int(a.ID) - int(b.ID) })

	for _, m := range members {
		if m.Name == "" {
			return nil, fmt.Errorf("team member without a name")
		}
		for _, id := range m.Contexts {
			if _, ok := c.byID[id]; !ok {
				return nil, fmt.Errorf("team member %s: %w %d", m.Name, ErrUnknownContext, id)
			}
		}
		for _, o := range m.Overrides {
			if _, ok := c.byID[o.Context]; !ok {
				return nil, fmt.Errorf("team member %s override: %w %d", m.Name, ErrUnknownContext, o.Context)
			}
			if o.Keyword == "" {
				return nil, fmt.Errorf("team member %s override: keyword is required", m.Name)
			}
		}
		if len(m.Aliases) == 0 {
			m.Aliases = []string{m.Name}
		}
		m.Aliases = lowerAll(m.Aliases)
		c.members = append(c.members, m)
	}

	order, err := c.checkTieBreak(tieBreak)
	if err != nil {
		return nil, err
	}
	c.tieBreak = order
	return c, nil
}

// WithTieBreak returns a copy of c using order to break ties.
func (c *Catalog) WithTieBreak(order []ID) (*Catalog, error) {
	checked, err := c.checkTieBreak(order)
	if err != nil {
		return nil, err
	}
	cp := *c
	cp.tieBreak = checked
	return &cp, nil
}

func (c *Catalog) checkTieBreak(order []ID) ([]ID, error) {
	if len(order) == 0 {
		ids := make([]ID, len(c.contexts))
		for i, ctx := range c.contexts {
			ids[i] = ctx.ID
		}
		return ids, nil
	}
	if len(order) != len(c.contexts) {
		return nil, fmt.Errorf("tie_break must list every business context exactly once")
	}
	seen := make(map[ID]bool, len(order))
	for _, id := range order {
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("tie_break: %w %d", ErrUnknownContext, id)
		}
		if seen[id] {
			return nil, fmt.Errorf("tie_break lists business context %d twice", id)
		}
		seen[id] = true
	}
	return slices.Clone(order), nil
}

// Contexts returns the contexts ordered by id.
func (c *Catalog) Contexts() []Context {
	return slices.Clone(c.contexts)
}

// Get returns the context with the given id.
func (c *Catalog) Get(id ID) (Context, bool) {
	ctx, ok := c.byID[id]
	return ctx, ok
}

// Has reports whether id names a context in the catalog.
func (c *Catalog) Has(id ID) bool {
	_, ok := c.byID[id]
	return ok
}

// DisplayName returns the user-facing name of id, or "Бизнес N" when unknown.
func (c *Catalog) DisplayName(id ID) string {
	if ctx, ok := c.byID[id]; ok {
		return ctx.DisplayName
	}
	return fmt.Sprintf("Бизнес %d", id)
}

// Members returns the team roster.
func (c *Catalog) Members() []Member {
	return slices.Clone(c.members)
}

// MemberNames returns the canonical roster names.
func (c *Catalog) MemberNames() []string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.Name
	}
	return names
}

// TieBreak returns the tie-break order.
func (c *Catalog) TieBreak() []ID {
	return slices.Clone(c.tieBreak)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, Fold(s))
		}
	}
	return out
}
