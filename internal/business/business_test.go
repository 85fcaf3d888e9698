package business

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idPtr(id ID) *ID { return &id }

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	require.Len(t, c.Contexts(), 4)
	assert.Equal(t, []ID{1, 2, 3, 4}, c.TieBreak())
	assert.Equal(t, "МАСТЕРСКАЯ INVENTUM", c.DisplayName(1))
	assert.Equal(t, "Бизнес 9", c.DisplayName(9))
	assert.True(t, c.Has(4))
	assert.False(t, c.Has(5))
	assert.Contains(t, c.MemberNames(), "Юрий Владимирович")
}

func TestNewCatalogValidation(t *testing.T) {
	one := []Context{{ID: 1, Name: "a"}}

	tests := []struct {
		name     string
		contexts []Context
		members  []Member
		tieBreak []ID
		wantErr  string
	}{
		{"empty", nil, nil, nil, "at least one"},
		{"zero id", []Context{{Name: "a"}}, nil, nil, "positive"},
		{"duplicate", []Context{{ID: 1, Name: "a"}, {ID: 1, Name: "b"}}, nil, nil, "twice"},
		{"unknown member context", one, []Member{{Name: "x", Contexts: []ID{2}}}, nil, "unknown business context"},
		{"unknown override", one, []Member{{Name: "x", Overrides: []Override{{Keyword: "k", Context: 3}}}}, nil, "unknown business context"},
		{"short tie break", []Context{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}, nil, []ID{1}, "exactly once"},
		{"repeated tie break", []Context{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}, nil, []ID{1, 1}, "twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.contexts, tt.members, tt.tieBreak)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	data := `
tie_break = [2, 1]

[[context]]
id = 1
name = "Shop"
keywords = ["Ремонт"]

[[context]]
id = 2
name = "Lab"
keywords = ["коронк"]

[[member]]
name = "Оля"
contexts = [2]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []ID{2, 1}, c.TieBreak())

	ctx, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, []string{"ремонт"}, ctx.Keywords)
	assert.Equal(t, "Shop", ctx.DisplayName)

	name, ok := c.MentionedMember("Оле надо сделать коронку")
	assert.False(t, ok, "only declared aliases match")
	name, ok = c.MentionedMember("Оля сделает коронку")
	require.True(t, ok)
	assert.Equal(t, "Оля", name)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	r := NewResolver(DefaultCatalog())

	tests := []struct {
		name       string
		text       string
		hint       *ID
		fallback   *ID
		want       ID
		wantSignal Signal
	}{
		{"repair keywords", "Починить фрезер для Иванова завтра утром", nil, nil, 1, SignalKeyword},
		{"lab keywords", "Сделать моделирование коронки", nil, nil, 2, SignalKeyword},
		{"trade keywords", "Позвонить поставщику в Китай по контракту", nil, nil, 4, SignalKeyword},
		{"location beats keywords", "В лаборатории починить фрезер и провести ремонт", nil, nil, 2, SignalLocation},
		{"workshop location", "Убраться в мастерской", nil, nil, 1, SignalLocation},
		{"member beats keywords", "Слава должен сделать коронку", nil, nil, 4, SignalMember},
		{"member override", "Максим займется разработкой платы", nil, nil, 3, SignalMember},
		{"member default context", "Максиму проверить коронку", nil, nil, 1, SignalMember},
		{"all-context member carries no signal", "Лиза сделает коронку", nil, nil, 2, SignalKeyword},
		{"hint used without evidence", "Позвонить Иванову", idPtr(3), nil, 3, SignalHint},
		{"fallback used without evidence", "Позвонить Иванову", nil, idPtr(4), 4, SignalDefault},
		{"hint outside catalog ignored", "Позвонить Иванову", idPtr(9), idPtr(2), 2, SignalDefault},
		{"yo folded", "Клиёнт ждет", nil, nil, 1, SignalKeyword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.text, tt.hint, tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ID)
			assert.Equal(t, tt.wantSignal, res.Signal)
		})
	}
}

func TestResolveUndetermined(t *testing.T) {
	r := NewResolver(DefaultCatalog())

	_, err := r.Resolve("Позвонить Иванову", nil, nil)
	assert.ErrorIs(t, err, ErrContextUndetermined)

	_, err = r.Resolve("Позвонить Иванову", nil, idPtr(0))
	assert.ErrorIs(t, err, ErrContextUndetermined)
}

func TestResolveTieBreak(t *testing.T) {
	// "ремонт" scores Inventum, "коронк" scores Inventum Lab: one each.
	text := "ремонт и коронка"

	res, err := NewResolver(DefaultCatalog()).Resolve(text, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ID(1), res.ID)

	reordered, err := DefaultCatalog().WithTieBreak([]ID{2, 1, 3, 4})
	require.NoError(t, err)
	res, err = NewResolver(reordered).Resolve(text, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ID(2), res.ID)
}

func TestResolveSyntheticRoster(t *testing.T) {
	c, err := NewCatalog(
		[]Context{{ID: 7, Name: "Alpha", Keywords: []string{"альфа"}}, {ID: 8, Name: "Beta"}},
		[]Member{{Name: "Петр", Aliases: []string{"петр", "петру"}, Contexts: []ID{8}}},
		nil,
	)
	require.NoError(t, err)

	res, err := NewResolver(c).Resolve("Петру проверить альфа-версию", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ID(8), res.ID)
	assert.Equal(t, SignalMember, res.Signal)
}

func TestEnsureSame(t *testing.T) {
	assert.NoError(t, EnsureSame(2, 2, "retrieval"))

	err := EnsureSame(1, 2, "retrieval")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIsolationBreach)

	var breach *BreachError
	require.True(t, errors.As(err, &breach))
	assert.Equal(t, ID(1), breach.Expected)
	assert.Equal(t, ID(2), breach.Got)
	assert.Contains(t, err.Error(), "retrieval")

	assert.ErrorIs(t, EnsureSame(0, 0, "persist"), ErrIsolationBreach)
}
