package cascada

import (
	"context"
)

// DataHandler is the built-in `@data` command handler. It assembles a nested
// value from path-addressed commands and contributes it as the render's
// focused output. Commands arrive in flatten order, so the assembled shape
// is deterministic regardless of how the producing expressions raced.
//
// Rules: assignment overwrites; push creates arrays on first use; merge
// shallow-merges maps; append concatenates strings; the arithmetic commands
// coerce to number and fail on incompatible types.
type DataHandler struct {
	root *Dict
}

// NewDataHandler constructs the handler for one render.
func NewDataHandler() CommandHandler {
	return &DataHandler{root: NewDict()}
}

// HandleCommand implements CommandHandler.
func (d *DataHandler) HandleCommand(_ context.Context, command string, subpath []string, args []any) error {
	switch command {
	case "set", "":
		if len(subpath) == 0 {
			return newDataflowError("@data.set requires a path")
		}
		if len(args) != 1 {
			return newDataflowError("@data.%s = expects one value, got %d", joinSubpath(subpath), len(args))
		}
		parent, err := d.navigate(subpath[:len(subpath)-1])
		if err != nil {
			return err
		}
		parent.Set(subpath[len(subpath)-1], args[0])
		return nil
	case "push":
		if len(args) != 1 {
			return newDataflowError("@data.%s.push expects one value, got %d", joinSubpath(subpath), len(args))
		}
		return d.atLeaf(subpath, func(parent *Dict, key string) error {
			cur, ok := parent.Get(key)
			if !ok || IsUndefined(cur) {
				parent.Set(key, NewList(args[0]))
				return nil
			}
			l, isList := cur.(*List)
			if !isList {
				return newDataflowError("@data.%s.push target is not an array", joinSubpath(subpath))
			}
			l.Append(args[0])
			return nil
		})
	case "merge":
		if len(args) != 1 {
			return newDataflowError("@data.%s.merge expects one value, got %d", joinSubpath(subpath), len(args))
		}
		src, isDict := args[0].(*Dict)
		if !isDict {
			return newDataflowError("@data.%s.merge expects an object", joinSubpath(subpath))
		}
		return d.atLeaf(subpath, func(parent *Dict, key string) error {
			cur, ok := parent.Get(key)
			if !ok || IsUndefined(cur) {
				cur = NewDict()
				parent.Set(key, cur)
			}
			dst, isD := cur.(*Dict)
			if !isD {
				return newDataflowError("@data.%s.merge target is not an object", joinSubpath(subpath))
			}
			for _, k := range src.Keys() {
				v, _ := src.Get(k)
				dst.Set(k, v)
			}
			return nil
		})
	case "append":
		if len(args) != 1 {
			return newDataflowError("@data.%s.append expects one value, got %d", joinSubpath(subpath), len(args))
		}
		return d.atLeaf(subpath, func(parent *Dict, key string) error {
			cur, _ := parent.Get(key)
			if cur == nil || IsUndefined(cur) {
				cur = ""
			}
			s, isStr := cur.(string)
			if !isStr {
				return newDataflowError("@data.%s.append target is not a string", joinSubpath(subpath))
			}
			arg, isStr := args[0].(string)
			if !isStr {
				arg = stringify(args[0])
			}
			parent.Set(key, s+arg)
			return nil
		})
	case "add":
		if len(args) != 1 {
			return newDataflowError("@data.%s += expects one value, got %d", joinSubpath(subpath), len(args))
		}
		return d.arith(subpath, args[0])
	case "inc":
		return d.arith(subpath, 1)
	default:
		return newDataflowError("unknown @data command %q", command)
	}
}

func (d *DataHandler) arith(subpath []string, delta any) error {
	n, ok := toNumber(delta)
	if !ok {
		return newDataflowError("@data.%s: cannot add non-numeric value", joinSubpath(subpath))
	}
	return d.atLeaf(subpath, func(parent *Dict, key string) error {
		cur, exists := parent.Get(key)
		if !exists || cur == nil || IsUndefined(cur) {
			cur = 0
		}
		base, ok := toNumber(cur)
		if !ok {
			return newDataflowError("@data.%s: target is not numeric", joinSubpath(subpath))
		}
		parent.Set(key, base+n)
		return nil
	})
}

// atLeaf navigates to the parent of the path's last element and applies fn.
func (d *DataHandler) atLeaf(subpath []string, fn func(parent *Dict, key string) error) error {
	if len(subpath) == 0 {
		return newDataflowError("@data command requires a path")
	}
	parent, err := d.navigate(subpath[:len(subpath)-1])
	if err != nil {
		return err
	}
	return fn(parent, subpath[len(subpath)-1])
}

// navigate walks path from the root, creating intermediate objects as
// needed. An intermediate that exists and is not an object fails.
func (d *DataHandler) navigate(path []string) (*Dict, error) {
	cur := d.root
	for i, seg := range path {
		v, ok := cur.Get(seg)
		if !ok || IsUndefined(v) {
			next := NewDict()
			cur.Set(seg, next)
			cur = next
			continue
		}
		next, isDict := v.(*Dict)
		if !isDict {
			return nil, newDataflowError("@data.%s is not an object", joinSubpath(path[:i+1]))
		}
		cur = next
	}
	return cur, nil
}

// ReturnValue contributes the assembled value as plain Go data.
func (d *DataHandler) ReturnValue() any {
	return export(d.root)
}
