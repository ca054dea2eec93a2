package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/partite-ai/jinterop/dynamic"
	"github.com/partite-ai/jinterop/jni"
)

// inspect loads the named classes and writes their members to w. Lines are
// cut to width when width is positive.
func inspect(ctx context.Context, vm *jni.VM, names []string, w io.Writer, width int) error {
	r := dynamic.NewRegistry(vm)
	infos, err := r.Preload(ctx, names...)
	if err != nil {
		return err
	}
	return vm.WithEnv(func(env *jni.Env) error {
		defer func() {
			for _, info := range infos {
				r.Release(env, info)
			}
		}()
		p := &printer{w: w, width: width}
		for _, info := range infos {
			if err := describe(env, info, p); err != nil {
				return fmt.Errorf("failed to describe %s: %w", info.Name(), err)
			}
		}
		return p.err
	})
}

func describe(env *jni.Env, info *dynamic.ClassInfo, p *printer) error {
	p.line("class %s", info.Name())

	ctors, err := info.Constructors(env)
	if err != nil {
		return err
	}
	if len(ctors) > 0 {
		p.line("  constructors:")
	}
	for _, c := range ctors {
		sig, err := c.Signature(env)
		if err != nil {
			return err
		}
		p.line("    <init>%s", sig)
	}

	fields, err := info.Fields(env)
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		p.line("  fields:")
	}
	for _, name := range sortedKeys(fields) {
		for _, f := range fields[name] {
			p.line("    %s%s %s", modifiers(f), f.Name, f.Type.QualifiedReference())
		}
	}

	methods, err := info.Methods(env)
	if err != nil {
		return err
	}
	if len(methods) > 0 {
		p.line("  methods:")
	}
	for _, name := range sortedKeys(methods) {
		for _, m := range methods[name] {
			sig, err := m.Signature(env)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("    %s%s%s", modifiers(m), m.Name, sig)
			if m.DeclaringClass != info.Name() {
				line += "  (" + m.DeclaringClass + ")"
			}
			p.line("%s", line)
		}
	}
	return nil
}

func modifiers(m *dynamic.MemberInfo) string {
	if m.Static {
		return "static "
	}
	return ""
}

func sortedKeys(m map[string][]*dynamic.MemberInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type printer struct {
	w     io.Writer
	width int
	err   error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	s := fmt.Sprintf(format, args...)
	if p.width > 1 && len(s) > p.width {
		s = s[:p.width-1] + "…"
	}
	_, p.err = io.WriteString(p.w, strings.TrimRight(s, " ")+"\n")
}
