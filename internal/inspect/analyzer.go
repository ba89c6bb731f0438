// Package inspect projects a workflow marking into a Datalog fact base
// and derives reachability and liveness views over it with the Mangle
// engine. The projection is read-only: inspection never feeds back into
// the tick executor.
package inspect

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"weft/internal/topology"
)

// schema declares the base predicates the marking is projected into and
// the derived views computed over them. Node ids are strings; kinds,
// statuses and mark labels are name constants.
const schema = `
Decl wf_node(Id, Kind, Status).
Decl wf_flow(Src, Dst).
Decl wf_token(Node, Instance).
Decl wf_mark(From, Node, Label).

Decl reachable(Src, Dst).
Decl live(Node).
Decl waiting(Join, From).
Decl voided(Node).
Decl completed(Node).
Decl live_upstream(Node).

reachable(X, Y) :- wf_flow(X, Y).
reachable(X, Z) :- wf_flow(X, Y), reachable(Y, Z).

live(N) :- wf_token(N, _).
live(N) :- wf_node(N, _, /active).

waiting(J, F) :- wf_mark(F, J, /arrived).

voided(N) :- wf_node(N, _, /voided).
completed(N) :- wf_node(N, _, /completed).

live_upstream(N) :- live(M), reachable(M, N).
`

// Fact is one derived or base atom, with args rendered as strings.
type Fact struct {
	Predicate string
	Args      []string
}

func (f Fact) String() string {
	out := f.Predicate + "("
	for i, a := range f.Args {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out + ")"
}

// Analyzer owns one compiled schema and a fact store reloaded per
// snapshot.
type Analyzer struct {
	mu      sync.Mutex
	program *analysis.ProgramInfo
	store   factstore.FactStoreWithRemove
	index   map[string]ast.PredicateSym
}

// New compiles the schema.
func New() (*Analyzer, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return nil, fmt.Errorf("inspect: parse schema: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("inspect: analyze schema: %w", err)
	}
	index := make(map[string]ast.PredicateSym, len(program.Decls))
	for sym := range program.Decls {
		index[sym.Symbol] = sym
	}
	return &Analyzer{
		program: program,
		store:   factstore.NewSimpleInMemoryStore(),
		index:   index,
	}, nil
}

// Load replaces the fact base with the snapshot's marking and evaluates
// the derived views to fixpoint.
func (a *Analyzer) Load(snap *topology.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.store = factstore.NewSimpleInMemoryStore()
	for _, atom := range projectFacts(snap, a.index) {
		a.store.Add(atom)
	}
	if _, err := mengine.EvalProgramWithStats(a.program, a.store); err != nil {
		return fmt.Errorf("inspect: eval: %w", err)
	}
	return nil
}

// Facts returns every fact of one predicate, deterministically ordered.
func (a *Analyzer) Facts(predicate string) ([]Fact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sym, ok := a.index[predicate]
	if !ok {
		return nil, fmt.Errorf("inspect: predicate %q is not declared", predicate)
	}
	var out []Fact
	err := a.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		f := Fact{Predicate: predicate, Args: make([]string, len(atom.Args))}
		for i, arg := range atom.Args {
			f.Args[i] = renderTerm(arg)
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Predicates lists the declared predicate names.
func (a *Analyzer) Predicates() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.index))
	for name := range a.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func projectFacts(snap *topology.Snapshot, index map[string]ast.PredicateSym) []ast.Atom {
	var atoms []ast.Atom
	add := func(pred string, args ...ast.BaseTerm) {
		atoms = append(atoms, ast.Atom{Predicate: index[pred], Args: args})
	}
	for _, n := range snap.Nodes() {
		add("wf_node", ast.String(string(n.ID)), name(n.Kind.String()), name(n.Status.String()))
		for _, f := range snap.FlowsOut(n.ID) {
			add("wf_flow", ast.String(string(f.Source)), ast.String(string(f.Target)))
		}
		for _, t := range snap.TokensOn(n.ID) {
			add("wf_token", ast.String(string(t.Node)), ast.Number(int64(t.Instance)))
		}
		for _, m := range snap.AllMarksOn(n.ID) {
			if m.Node != n.ID {
				continue
			}
			add("wf_mark", ast.String(string(m.From)), ast.String(string(m.Node)), name(m.Label))
		}
	}
	return atoms
}

// name converts a label to a Mangle name constant; labels with
// characters outside a name's alphabet fall back to strings.
func name(s string) ast.BaseTerm {
	c, err := ast.Name("/" + s)
	if err != nil {
		return ast.String(s)
	}
	return c
}

func renderTerm(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return term.String()
	}
	switch c.Type {
	case ast.StringType, ast.NameType:
		return c.Symbol
	case ast.NumberType:
		return strconv.FormatInt(c.NumValue, 10)
	}
	return c.String()
}
