package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// fallbackRetryCount applies when neither the step nor the settings block
// sets a retry count.
const fallbackRetryCount = 3

// Loader parses and validates workflow documents. Handler references are
// resolved against the given registry's registered and built-in names;
// built-in handlers named in a document are registered as a side effect.
type Loader struct {
	handlers *Handlers
}

// NewLoader creates a loader resolving handler references against handlers.
// A nil registry is replaced with a fresh one holding only the built-ins, so
// only built-in handler names resolve.
func NewLoader(handlers *Handlers) *Loader {
	if handlers == nil {
		handlers = NewHandlers()
	}
	return &Loader{handlers: handlers}
}

// Load reads, parses, and validates the workflow document at path.
func (l *Loader) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return l.Parse(data, name)
}

// Parse parses and validates a workflow document from raw YAML bytes. The
// name becomes the document name (normally derived from the file name).
//
// Processing order: decode, variable expansion, shape validation and model
// build, tag collection, reference validation, cycle checks. A YAML syntax
// error is returned as a wrapped decode error; every later failure is returned
// as a *LoadError. Unresolved names are never discovered at runtime.
func (l *Loader) Parse(data []byte, name string) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workflow YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	variables, _ := raw["variables"].(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}

	// Expand ${name} references in every string leaf outside the variables
	// block itself.
	expanded := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "variables" {
			expanded[k] = v
			continue
		}
		ev, err := expandValue(v, variables)
		if err != nil {
			return nil, err
		}
		expanded[k] = ev
	}

	doc := &Document{
		Name:          name,
		OptionalFlows: map[string]*Flow{},
		Variables:     variables,
		Checksum:      xxhash.Sum64(data),
	}

	if err := l.parseSettings(expanded, doc); err != nil {
		return nil, err
	}

	defaultRetry := fallbackRetryCount
	if doc.Settings.DefaultRetryCount != nil {
		defaultRetry = *doc.Settings.DefaultRetryCount
	}

	// Optional flows first so the registry exists for reference validation.
	if rawOpt, ok := expanded["optional_flows"]; ok {
		optMap, ok := rawOpt.(map[string]any)
		if !ok {
			return nil, loadErrf("optional_flows", ReasonBadParametersType,
				"optional_flows must be a map of flow name to step list")
		}
		for flowName, rawSteps := range optMap {
			stepList, ok := rawSteps.([]any)
			if !ok {
				return nil, loadErrf("optional_flows."+flowName, ReasonBadParametersType,
					"optional flow %q must be a list of steps", flowName)
			}
			elements, err := l.buildElements(stepList, "optional_flows."+flowName, defaultRetry)
			if err != nil {
				return nil, err
			}
			doc.OptionalFlows[flowName] = &Flow{Name: flowName, Elements: elements}
		}
	}

	rawSteps, _ := expanded["steps"].([]any)
	elements, err := l.buildElements(rawSteps, "steps", defaultRetry)
	if err != nil {
		return nil, err
	}
	doc.Elements = elements

	if err := l.validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (l *Loader) parseSettings(raw map[string]any, doc *Document) error {
	rawSettings, ok := raw["settings"]
	if !ok {
		return nil
	}
	settings, ok := rawSettings.(map[string]any)
	if !ok {
		return loadErrf("settings", ReasonBadParametersType, "settings must be a map")
	}
	if v, ok := settings["default_retry_count"]; ok {
		n, ok := toInt(v)
		if !ok {
			return loadErrf("settings.default_retry_count", ReasonBadParametersType,
				"default_retry_count must be an integer, got %T", v)
		}
		doc.Settings.DefaultRetryCount = &n
	}
	// The document-level default handler historically lives under the
	// execute_on_error key; default_error_handler is accepted as well.
	for _, key := range []string{"default_error_handler", "execute_on_error"} {
		if v, ok := settings[key].(string); ok && v != "" {
			doc.Settings.DefaultErrorHandler = v
			break
		}
	}
	return nil
}

// buildElements converts a raw step list into model elements. A map with a
// "parallel" key becomes a ParallelGroup, one with an "independent_flows"
// key contributes one Flow per entry, anything else is a single Step.
func (l *Loader) buildElements(rawList []any, path string, defaultRetry int) ([]Element, error) {
	var elements []Element
	for i, rawEl := range rawList {
		elPath := fmt.Sprintf("%s[%d]", path, i)
		el, ok := rawEl.(map[string]any)
		if !ok {
			return nil, loadErrf(elPath, ReasonBadParametersType, "element must be a map, got %T", rawEl)
		}

		switch {
		case el["independent_flows"] != nil:
			flowList, ok := el["independent_flows"].([]any)
			if !ok {
				return nil, loadErrf(elPath+".independent_flows", ReasonBadParametersType,
					"independent_flows must be a list")
			}
			for j, rawFlow := range flowList {
				flowCfg, ok := rawFlow.(map[string]any)
				if !ok {
					return nil, loadErrf(fmt.Sprintf("%s.independent_flows[%d]", elPath, j),
						ReasonBadParametersType, "flow entry must be a map")
				}
				flowPath := fmt.Sprintf("%s.independent_flows[%d]", elPath, j)
				stepList, _ := flowCfg["steps"].([]any)
				inner, err := l.buildElements(stepList, flowPath+".steps", defaultRetry)
				if err != nil {
					return nil, err
				}
				flow := &Flow{
					Name:       stringField(flowCfg, "name"),
					Elements:   inner,
					MaxWorkers: intField(flowCfg, "max_workers", 0),
					WaitAfter:  secondsField(flowCfg, "wait_after_seconds"),
				}
				if flow.Name == "" {
					flow.Name = fmt.Sprintf("Flow %d", j+1)
				}
				elements = append(elements, flow)
			}

		case el["parallel"] != nil:
			stepList, ok := el["parallel"].([]any)
			if !ok {
				return nil, loadErrf(elPath+".parallel", ReasonBadParametersType, "parallel must be a list of steps")
			}
			group := &ParallelGroup{
				Name:      stringField(el, "name"),
				WaitAfter: secondsField(el, "wait_after_seconds"),
			}
			for j, rawStep := range stepList {
				stepCfg, ok := rawStep.(map[string]any)
				if !ok {
					return nil, loadErrf(fmt.Sprintf("%s.parallel[%d]", elPath, j),
						ReasonBadParametersType, "parallel member must be a map")
				}
				step, err := l.buildStep(stepCfg, fmt.Sprintf("%s.parallel[%d]", elPath, j), defaultRetry)
				if err != nil {
					return nil, err
				}
				group.Steps = append(group.Steps, step)
			}
			group.MaxWorkers = intField(el, "max_workers", len(group.Steps))
			elements = append(elements, group)

		default:
			step, err := l.buildStep(el, elPath, defaultRetry)
			if err != nil {
				return nil, err
			}
			elements = append(elements, step)
		}
	}
	return elements, nil
}

func (l *Loader) buildStep(cfg map[string]any, path string, defaultRetry int) (*Step, error) {
	for _, field := range []string{"device_type", "device_id", "operation"} {
		v, ok := cfg[field]
		if !ok {
			return nil, loadErrf(path, ReasonMissingField, "missing required field %q", field)
		}
		if s, isStr := v.(string); !isStr || s == "" {
			return nil, loadErrf(path, ReasonEmptyField, "required field %q is empty", field)
		}
	}

	kind, err := ParseDeviceKind(cfg["device_type"].(string))
	if err != nil {
		return nil, loadErrf(path+".device_type", ReasonBadEnum, "%v", err)
	}

	var params map[string]any
	if rawParams, ok := cfg["parameters"]; ok {
		params, ok = rawParams.(map[string]any)
		if !ok {
			return nil, loadErrf(path+".parameters", ReasonBadParametersType,
				"parameters must be a map, got %T", rawParams)
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	step := &Step{
		Name:                stringField(cfg, "name"),
		Operation:           cfg["operation"].(string),
		DeviceKind:          kind,
		DeviceID:            cfg["device_id"].(string),
		Tag:                 stringField(cfg, "tag"),
		Parameters:          params,
		RetryCount:          intField(cfg, "retry_count", defaultRetry),
		Timeout:             secondsField(cfg, "timeout_seconds"),
		WaitAfter:           secondsField(cfg, "wait_after_seconds"),
		WaitBetweenRetries:  secondsField(cfg, "wait_between_retries_seconds"),
		JumpOnSuccess:       stringField(cfg, "jump_on_success"),
		JumpOnFailure:       stringField(cfg, "jump_on_failure"),
		ExecuteOnError:      stringField(cfg, "execute_on_error"),
		ExecuteOptionalFlow: stringField(cfg, "execute_optional_flow"),
	}

	// The sentinel fan-out operation carries its flows inside parameters.
	if step.Operation == OpRunFlowsInParallel {
		if err := l.materializeParamFlows(step, path, defaultRetry); err != nil {
			return nil, err
		}
	}
	return step, nil
}

// materializeParamFlows converts the raw parameters["flows"] list of a
// run_flows_in_parallel step into []*Flow so the engine can hand them to the
// parallel coordinator without re-parsing.
func (l *Loader) materializeParamFlows(step *Step, path string, defaultRetry int) error {
	rawFlows, ok := step.Parameters["flows"]
	if !ok {
		return loadErrf(path+".parameters", ReasonMissingField,
			"%s requires a parameters.flows list", OpRunFlowsInParallel)
	}
	flowList, ok := rawFlows.([]any)
	if !ok {
		return loadErrf(path+".parameters.flows", ReasonBadParametersType,
			"flows must be a list, got %T", rawFlows)
	}
	flows := make([]*Flow, 0, len(flowList))
	for i, rawFlow := range flowList {
		flowCfg, ok := rawFlow.(map[string]any)
		if !ok {
			return loadErrf(fmt.Sprintf("%s.parameters.flows[%d]", path, i),
				ReasonBadParametersType, "flow entry must be a map")
		}
		stepList, _ := flowCfg["steps"].([]any)
		inner, err := l.buildElements(stepList, fmt.Sprintf("%s.parameters.flows[%d].steps", path, i), defaultRetry)
		if err != nil {
			return err
		}
		flow := &Flow{
			Name:       stringField(flowCfg, "name"),
			Elements:   inner,
			MaxWorkers: intField(flowCfg, "max_workers", 0),
			WaitAfter:  secondsField(flowCfg, "wait_after_seconds"),
		}
		if flow.Name == "" {
			flow.Name = fmt.Sprintf("Flow %d", i+1)
		}
		flows = append(flows, flow)
	}
	step.Parameters["flows"] = flows
	return nil
}

// validate runs the structural passes that need the whole document: tag
// collection per scope, reference resolution, group-member jump rejection,
// and the two cycle checks.
func (l *Loader) validate(doc *Document) error {
	// Collect the flow scopes. The top-level element list forms the main
	// scope; each optional flow and each nested flow has its own.
	main := &Flow{Name: doc.Name, Elements: doc.Elements}
	scopes := []scopedFlow{{name: "main flow", flow: main}}
	scopes = collectNested(main, "main flow", scopes)

	names := make([]string, 0, len(doc.OptionalFlows))
	for n := range doc.OptionalFlows {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		f := doc.OptionalFlows[n]
		sname := fmt.Sprintf("optional flow %q", n)
		scopes = append(scopes, scopedFlow{name: sname, flow: f})
		scopes = collectNested(f, sname, scopes)
	}

	for _, sc := range scopes {
		if err := l.validateScope(sc.flow, sc.name, doc); err != nil {
			return err
		}
	}

	return l.checkOptionalFlowCycles(doc)
}

type scopedFlow struct {
	name string
	flow *Flow
}

// collectNested appends every flow nested inside f — directly as an element
// or carried by a fan-out sentinel step's parameters — as an independent tag
// scope.
func collectNested(f *Flow, name string, scopes []scopedFlow) []scopedFlow {
	for _, el := range f.Elements {
		if inner, ok := el.(*Flow); ok {
			sname := fmt.Sprintf("%s -> flow %q", name, inner.Label())
			scopes = append(scopes, scopedFlow{name: sname, flow: inner})
			scopes = collectNested(inner, sname, scopes)
			continue
		}
		for _, step := range elementSteps(el) {
			if step.Operation != OpRunFlowsInParallel {
				continue
			}
			flows, _ := step.Parameters["flows"].([]*Flow)
			for _, inner := range flows {
				sname := fmt.Sprintf("%s -> flow %q", name, inner.Label())
				scopes = append(scopes, scopedFlow{name: sname, flow: inner})
				scopes = collectNested(inner, sname, scopes)
			}
		}
	}
	return scopes
}

// validateScope builds f's tag index and checks every reference declared by
// its steps.
func (l *Loader) validateScope(f *Flow, scopeName string, doc *Document) error {
	f.tagIndex = map[string]int{}
	declaredAt := map[string]string{}

	for i, el := range f.Elements {
		switch e := el.(type) {
		case *Step:
			if e.Tag != "" {
				if prev, dup := declaredAt[e.Tag]; dup {
					return loadErrf(scopeName, ReasonDuplicateTag,
						"tag %q declared by both %s and step %q", e.Tag, prev, e.Label())
				}
				f.tagIndex[e.Tag] = i
				declaredAt[e.Tag] = fmt.Sprintf("step %q", e.Label())
			}
		case *ParallelGroup:
			for _, member := range e.Steps {
				if member.JumpOnSuccess != "" || member.JumpOnFailure != "" {
					return loadErrf(scopeName, ReasonUnresolvedTag,
						"parallel-group member %q declares a jump; group members cannot participate in jump logic",
						member.Label())
				}
				if member.Tag != "" {
					if prev, dup := declaredAt[member.Tag]; dup {
						return loadErrf(scopeName, ReasonDuplicateTag,
							"tag %q declared by both %s and step %q", member.Tag, prev, member.Label())
					}
					declaredAt[member.Tag] = fmt.Sprintf("step %q", member.Label())
				}
				if err := l.validateStepRefs(member, scopeName, f, doc); err != nil {
					return err
				}
			}
		}
	}

	for _, el := range f.Elements {
		step, ok := el.(*Step)
		if !ok {
			continue
		}
		if err := l.validateStepRefs(step, scopeName, f, doc); err != nil {
			return err
		}
	}

	return l.checkJumpCycles(f, scopeName)
}

func (l *Loader) validateStepRefs(step *Step, scopeName string, f *Flow, doc *Document) error {
	for _, target := range []string{step.JumpOnSuccess, step.JumpOnFailure} {
		if target == "" {
			continue
		}
		if _, ok := f.tagIndex[target]; !ok {
			return loadErrf(scopeName, ReasonUnresolvedTag,
				"step %q jumps to tag %q which is not declared in this scope (tags: %v)",
				step.Label(), target, tagNames(f))
		}
	}

	if name := step.ExecuteOptionalFlow; name != "" {
		if _, ok := doc.OptionalFlows[name]; !ok {
			return loadErrf(scopeName, ReasonUnresolvedOptionalFlow,
				"step %q references optional flow %q which is not defined", step.Label(), name)
		}
	}

	names := []string{step.ExecuteOnError}
	if doc.Settings.DefaultErrorHandler != "" {
		names = append(names, doc.Settings.DefaultErrorHandler)
	}
	for _, handlerName := range names {
		if handlerName == "" {
			continue
		}
		// Built-in handlers named anywhere in the document are registered
		// as a side effect of loading.
		if l.handlers.EnsureBuiltin(handlerName) {
			continue
		}
		if !l.handlers.Has(handlerName) {
			return loadErrf(scopeName, ReasonUnresolvedHandler,
				"step %q references error handler %q which is neither registered nor built in (known: %v)",
				step.Label(), handlerName, l.handlers.Names())
		}
	}
	return nil
}

// checkJumpCycles walks jump_on_failure edges tag-by-tag inside one flow
// scope. Any revisit (including a self-jump) is a fatal cycle.
func (l *Loader) checkJumpCycles(f *Flow, scopeName string) error {
	tagged := map[string]*Step{}
	for _, el := range f.Elements {
		if step, ok := el.(*Step); ok && step.Tag != "" {
			tagged[step.Tag] = step
		}
	}

	for startTag, startStep := range tagged {
		if startStep.JumpOnFailure == "" {
			continue
		}
		visited := map[string]bool{}
		var path []string
		current := startTag
		for current != "" {
			if visited[current] {
				start := 0
				for i, p := range path {
					if p == current {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), current)
				return loadErrf(scopeName, ReasonJumpCycle,
					"jump_on_failure references form a cycle: %s", strings.Join(cycle, " -> "))
			}
			visited[current] = true
			path = append(path, current)
			next := tagged[current]
			if next == nil {
				break
			}
			current = next.JumpOnFailure
		}
	}
	return nil
}

// checkOptionalFlowCycles walks execute_optional_flow edges across the
// registry. Optional flows must form a DAG.
func (l *Loader) checkOptionalFlowCycles(doc *Document) error {
	var visit func(name string, seen map[string]bool, path []string) error
	visit = func(name string, seen map[string]bool, path []string) error {
		if seen[name] {
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return loadErrf("optional_flows", ReasonOptionalFlowCycle,
				"execute_optional_flow references form a cycle: %s", strings.Join(cycle, " -> "))
		}
		flow, ok := doc.OptionalFlows[name]
		if !ok {
			return nil
		}
		seen[name] = true
		path = append(path, name)
		for _, el := range flow.Elements {
			for _, step := range elementSteps(el) {
				if step.ExecuteOptionalFlow != "" {
					if err := visit(step.ExecuteOptionalFlow, copySet(seen), path); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	names := make([]string, 0, len(doc.OptionalFlows))
	for n := range doc.OptionalFlows {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n, map[string]bool{}, nil); err != nil {
			return err
		}
	}
	return nil
}

// elementSteps flattens an element into its leaf steps.
func elementSteps(el Element) []*Step {
	switch e := el.(type) {
	case *Step:
		return []*Step{e}
	case *ParallelGroup:
		return e.Steps
	case *Flow:
		var steps []*Step
		for _, inner := range e.Elements {
			steps = append(steps, elementSteps(inner)...)
		}
		return steps
	}
	return nil
}

func tagNames(f *Flow) []string {
	tags := make([]string, 0, len(f.tagIndex))
	for tag := range f.tagIndex {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

func secondsField(m map[string]any, key string) time.Duration {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
