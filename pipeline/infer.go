package pipeline

import (
	"context"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/logger"
)

const (
	rdfType           = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfsSubClassOf    = "http://www.w3.org/2000/01/rdf-schema#subClassOf"
	rdfsSubPropertyOf = "http://www.w3.org/2000/01/rdf-schema#subPropertyOf"
	rdfsDomain        = "http://www.w3.org/2000/01/rdf-schema#domain"
	rdfsRange         = "http://www.w3.org/2000/01/rdf-schema#range"

	// maxInferencePasses bounds the fixpoint loop. A rule set that is
	// still deriving triples after this many passes is almost certainly
	// cyclic.
	maxInferencePasses = 10
)

// Rule is one forward-chaining production from the TOML rule file. A
// triple matching the when clause derives a new triple: same subject
// and object with the then predicate, the object swapped into subject
// position when inverse is set, or a fixed then_object.
type Rule struct {
	Name          string `toml:"name"`
	WhenPredicate string `toml:"when_predicate"`
	WhenObject    string `toml:"when_object"`
	ThenPredicate string `toml:"then_predicate"`
	ThenObject    string `toml:"then_object"`
	Inverse       bool   `toml:"inverse"`
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return errors.New("rule missing name")
	}
	if r.WhenPredicate == "" {
		return errors.Newf("rule %q missing when_predicate", r.Name)
	}
	if r.ThenPredicate == "" {
		return errors.Newf("rule %q missing then_predicate", r.Name)
	}
	if r.Inverse && r.ThenObject != "" {
		return errors.Newf("rule %q cannot combine inverse and then_object", r.Name)
	}
	return nil
}

func (r *Rule) matches(t graph.Triple) bool {
	if t.Predicate != r.WhenPredicate {
		return false
	}
	if r.WhenObject != "" && (t.IsLiteral || t.Object != r.WhenObject) {
		return false
	}
	return true
}

// produce builds the consequent triple. Inverse rules need an IRI
// object to swap into subject position; literal matches produce
// nothing.
func (r *Rule) produce(graphIRI string, t graph.Triple) (graph.Triple, bool) {
	out := graph.Triple{
		GraphIRI:  graphIRI,
		Subject:   t.Subject,
		Predicate: r.ThenPredicate,
		Object:    t.Object,
		IsLiteral: t.IsLiteral,
	}
	switch {
	case r.Inverse:
		if t.IsLiteral {
			return graph.Triple{}, false
		}
		out.Subject, out.Object = t.Object, t.Subject
	case r.ThenObject != "":
		out.Object, out.IsLiteral = r.ThenObject, false
	}
	return out, true
}

type ruleFile struct {
	Rules []Rule `toml:"rules"`
}

// Inferencer forward-chains the batch graph to a fixpoint. The core
// RDFS entailments (subclass, subproperty, domain, range) are built in
// and always run; a TOML rule file adds domain-specific productions on
// top.
type Inferencer struct {
	rules  []Rule
	logger *zap.SugaredLogger
}

// NewInferencer creates the inference activity, loading the rule file
// when one is configured.
func NewInferencer(cfg config.InferenceConfig, log *zap.SugaredLogger) (*Inferencer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("pipeline.infer")
	inf := &Inferencer{logger: log}
	if cfg.RulesPath == "" {
		return inf, nil
	}

	var rf ruleFile
	if _, err := toml.DecodeFile(cfg.RulesPath, &rf); err != nil {
		return nil, errors.Wrapf(err, "failed to load inference rules from %s", cfg.RulesPath)
	}
	names := make(map[string]struct{}, len(rf.Rules))
	for i := range rf.Rules {
		if err := rf.Rules[i].validate(); err != nil {
			return nil, errors.Wrapf(err, "inference rules %s", cfg.RulesPath)
		}
		if _, dup := names[rf.Rules[i].Name]; dup {
			return nil, errors.Newf("inference rules %s: duplicate rule name %q", cfg.RulesPath, rf.Rules[i].Name)
		}
		names[rf.Rules[i].Name] = struct{}{}
	}
	inf.rules = rf.Rules
	log.Infow("Loaded inference rules", logger.FieldPath, cfg.RulesPath, logger.FieldCount, len(rf.Rules))
	return inf, nil
}

// Execute derives new triples from the batch graph until no rule adds
// anything. Derived triples are returned, not folded into the input;
// the orchestrator owns the merge.
func (inf *Inferencer) Execute(ctx context.Context, in batch.InferInput) (*batch.InferOutput, error) {
	if in.Graph == nil || len(in.Graph.Triples) == 0 {
		return &batch.InferOutput{}, nil
	}

	working := make([]graph.Triple, len(in.Graph.Triples))
	copy(working, in.Graph.Triples)
	seen := make(map[string]struct{}, len(working))
	for _, t := range working {
		seen[tripleKey(t)] = struct{}{}
	}

	fired := make(map[string]struct{})
	var derived []graph.Triple

	passes := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		added := inf.applyOnce(in.GraphIRI, &working, seen, fired, &derived)
		passes++
		if added == 0 {
			break
		}
		if passes == maxInferencePasses {
			inf.logger.Warnw("Inference stopped before fixpoint",
				logger.FieldBatchID, in.BatchID,
				"passes", passes,
				"derived", len(derived))
			break
		}
	}

	return &batch.InferOutput{NewTriples: derived, RulesApplied: len(fired)}, nil
}

// applyOnce runs every rule over the current triple set and returns how
// many new triples the pass added.
func (inf *Inferencer) applyOnce(graphIRI string, working *[]graph.Triple, seen map[string]struct{}, fired map[string]struct{}, derived *[]graph.Triple) int {
	snapshot := *working
	added := 0

	add := func(ruleName string, t graph.Triple) {
		key := tripleKey(t)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		*working = append(*working, t)
		*derived = append(*derived, t)
		fired[ruleName] = struct{}{}
		added++
	}

	// Schema indexes are rebuilt each pass so derived schema triples
	// participate in the next one.
	superClass := make(map[string][]string)
	superProp := make(map[string][]string)
	domains := make(map[string][]string)
	ranges := make(map[string][]string)
	for _, t := range snapshot {
		if t.IsLiteral {
			continue
		}
		switch t.Predicate {
		case rdfsSubClassOf:
			superClass[t.Subject] = append(superClass[t.Subject], t.Object)
		case rdfsSubPropertyOf:
			superProp[t.Subject] = append(superProp[t.Subject], t.Object)
		case rdfsDomain:
			domains[t.Subject] = append(domains[t.Subject], t.Object)
		case rdfsRange:
			ranges[t.Subject] = append(ranges[t.Subject], t.Object)
		}
	}

	for _, t := range snapshot {
		// rdfs9: class membership propagates up the subclass lattice.
		if t.Predicate == rdfType && !t.IsLiteral {
			for _, super := range superClass[t.Object] {
				add("rdfs:subClassOf", graph.Triple{GraphIRI: graphIRI, Subject: t.Subject, Predicate: rdfType, Object: super})
			}
		}
		// rdfs7: statements propagate up the subproperty lattice.
		for _, super := range superProp[t.Predicate] {
			add("rdfs:subPropertyOf", graph.Triple{GraphIRI: graphIRI, Subject: t.Subject, Predicate: super, Object: t.Object, IsLiteral: t.IsLiteral})
		}
		// rdfs2: a predicate's declared domain types its subject.
		for _, class := range domains[t.Predicate] {
			add("rdfs:domain", graph.Triple{GraphIRI: graphIRI, Subject: t.Subject, Predicate: rdfType, Object: class})
		}
		// rdfs3: a predicate's declared range types IRI objects.
		if !t.IsLiteral {
			for _, class := range ranges[t.Predicate] {
				add("rdfs:range", graph.Triple{GraphIRI: graphIRI, Subject: t.Object, Predicate: rdfType, Object: class})
			}
		}

		for i := range inf.rules {
			r := &inf.rules[i]
			if !r.matches(t) {
				continue
			}
			if nt, ok := r.produce(graphIRI, t); ok {
				add(r.Name, nt)
			}
		}
	}

	return added
}

func tripleKey(t graph.Triple) string {
	kind := "i"
	if t.IsLiteral {
		kind = "l"
	}
	return t.Subject + "\x1f" + t.Predicate + "\x1f" + kind + "\x1f" + t.Object
}
