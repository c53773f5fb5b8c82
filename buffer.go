package cascada

import (
	"context"
	"strings"

	"github.com/m1gwings/treedrawer/tree"
)

// Buffer is the tree-shaped output accumulator. Each async branch of the
// program owns exactly one node, so emission needs no locking; the tree is
// compiled in execution order and flattened in lexical order, which is what
// makes out-of-order completion invisible in the final text.
//
// A node is a literal string, a nested child buffer, an Awaitable to be
// forced and stringified, a CommandEntry addressed at a handler, a
// PostProcess transforming the text accumulated so far in its block, or any
// other value, stringified at flatten time.
type Buffer struct {
	nodes []any
}

// PostProcess transforms the flattened text of the nodes preceding it in the
// same block.
type PostProcess func(text string) string

// CommandEntry is the wire shape of a handler command placed on the buffer
// by an `@handler.sub.path.cmd(args...)` expression. Arguments may still be
// suspended; they are resolved when the entry executes during flattening.
type CommandEntry struct {
	Handler string
	Command string
	Subpath []string
	Args    []any
	Path    string
	Line    int
	Col     int
}

// NewBuffer creates an empty root buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a value node. Strings and already-resolved scalars flatten as
// text; suspended values are forced during flattening.
func (b *Buffer) Append(v any) {
	b.nodes = append(b.nodes, v)
}

// AppendCommand queues a handler command at the current position.
func (b *Buffer) AppendCommand(e *CommandEntry) {
	b.nodes = append(b.nodes, e)
}

// AppendPostProcess queues a transformation of the text accumulated so far
// in this block.
func (b *Buffer) AppendPostProcess(fn PostProcess) {
	b.nodes = append(b.nodes, fn)
}

// Child creates, links, and returns a nested node at the current position.
// The caller hands the child to the async branch before control returns to
// the parent, so lexical position is fixed even though the branch fills the
// node later.
func (b *Buffer) Child() *Buffer {
	c := &Buffer{}
	b.nodes = append(b.nodes, c)
	return c
}

// Len returns the number of direct nodes.
func (b *Buffer) Len() int { return len(b.nodes) }

// Flatten walks the tree depth-first, forcing suspended nodes, executing
// command entries in traversal order, and concatenating text. All poison
// encountered is aggregated; the returned error list is deduplicated and
// ordered by traversal.
func (b *Buffer) Flatten(ctx context.Context, rc *renderContext) (string, []*Error) {
	agg := &Poison{}
	seen := make(map[errorKey]struct{})
	text := b.walk(ctx, rc, agg, seen)
	return text, agg.errs
}

func (b *Buffer) walk(ctx context.Context, rc *renderContext, agg *Poison, seen map[errorKey]struct{}) string {
	var sb strings.Builder
	for _, n := range b.nodes {
		switch t := n.(type) {
		case string:
			sb.WriteString(t)
		case *Buffer:
			sb.WriteString(t.walk(ctx, rc, agg, seen))
		case PostProcess:
			func() {
				defer func() {
					if r := recover(); r != nil {
						agg.absorb(recoveredError(r), seen)
					}
				}()
				out := t(sb.String())
				sb.Reset()
				sb.WriteString(out)
			}()
		case *CommandEntry:
			t.execute(ctx, rc, agg, seen)
		default:
			v := ResolveSingle(ctx, n)
			if p, ok := v.(*Poison); ok {
				agg.absorb(p, seen)
				continue
			}
			sb.WriteString(stringify(v))
		}
	}
	return sb.String()
}

// execute resolves the entry's arguments and dispatches to its handler. A
// poisoned argument contributes its errors and skips the handler; every
// other entry in the buffer still runs.
func (e *CommandEntry) execute(ctx context.Context, rc *renderContext, agg *Poison, seen map[errorKey]struct{}) {
	resolved := ResolveAll(ctx, e.Args)
	if p, ok := resolved.(*Poison); ok {
		agg.absorb(p.WithContext(e.label()), seen)
		return
	}
	args := resolved.([]any)
	h, herr := rc.handler(ctx, e.Handler)
	if herr != nil {
		agg.absorb(herr.WithPosition(e.Path, e.Line, e.Col).WithContext(e.label()), seen)
		return
	}
	if err := h.HandleCommand(ctx, e.Command, e.Subpath, args); err != nil {
		agg.absorb(AsError(err).WithPosition(e.Path, e.Line, e.Col).WithContext(e.label()), seen)
	}
}

func (e *CommandEntry) label() string {
	var b strings.Builder
	b.WriteString("@")
	b.WriteString(e.Handler)
	for _, s := range e.Subpath {
		b.WriteString(".")
		b.WriteString(s)
	}
	if e.Command != "" {
		b.WriteString(".")
		b.WriteString(e.Command)
	}
	return b.String()
}

// Dump renders the buffer tree for debugging.
func (b *Buffer) Dump() string {
	root := tree.NewTree(tree.NodeString("buffer"))
	b.dumpInto(root)
	return root.String()
}

func (b *Buffer) dumpInto(t *tree.Tree) {
	for _, n := range b.nodes {
		switch v := n.(type) {
		case string:
			t.AddChild(tree.NodeString(dumpLabel(v)))
		case *Buffer:
			child := t.AddChild(tree.NodeString("block"))
			v.dumpInto(child)
		case PostProcess:
			t.AddChild(tree.NodeString("postprocess"))
		case *CommandEntry:
			t.AddChild(tree.NodeString(v.label()))
		case *Future:
			if _, _, settled := v.Poll(); settled {
				t.AddChild(tree.NodeString("future(settled)"))
			} else {
				t.AddChild(tree.NodeString("future(pending)"))
			}
		case *Poison:
			t.AddChild(tree.NodeString("poison"))
		default:
			t.AddChild(tree.NodeString(dumpLabel(stringify(v))))
		}
	}
}

func dumpLabel(s string) string {
	const max = 24
	s = strings.ReplaceAll(s, "\n", "\\n")
	if len(s) > max {
		return s[:max] + "..."
	}
	if s == "" {
		return `""`
	}
	return s
}
