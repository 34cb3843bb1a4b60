package util

import (
	"bytes"
	"strings"
	"text/template"
	"text/template/parse"
)

// RenderTemplate expands template markers in agent instructions against the
// current context variables. Plain strings pass through untouched. Variables
// the template references but the context does not carry render as empty
// strings; literal text is never rewritten.
// This lives in internal to avoid committing to public API stability prematurely.
func RenderTemplate(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("instructions").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}

	data := fillMissing(tmpl, vars)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fillMissing returns a copy of vars where every top-level key the template
// references but vars lacks (or holds as nil) is set to the empty string, so
// unset variables disappear from the output.
func fillMissing(tmpl *template.Template, vars map[string]any) map[string]any {
	referenced := make(map[string]struct{})
	collectFields(tmpl.Tree.Root, referenced)

	data := make(map[string]any, len(vars)+len(referenced))
	for k, v := range vars {
		data[k] = v
	}
	for key := range referenced {
		if v, ok := data[key]; !ok || v == nil {
			data[key] = ""
		}
	}
	return data
}

// collectFields walks the parse tree gathering the top-level identifiers of
// field references like {{.student_name}}.
func collectFields(node parse.Node, keys map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, item := range n.Nodes {
			collectFields(item, keys)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, keys)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				collectFields(arg, keys)
			}
		}
	case *parse.IfNode:
		collectFields(n.Pipe, keys)
		collectFields(n.List, keys)
		collectFields(n.ElseList, keys)
	case *parse.RangeNode:
		collectFields(n.Pipe, keys)
		collectFields(n.List, keys)
		collectFields(n.ElseList, keys)
	case *parse.WithNode:
		collectFields(n.Pipe, keys)
		collectFields(n.List, keys)
		collectFields(n.ElseList, keys)
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			keys[n.Ident[0]] = struct{}{}
		}
	}
}
