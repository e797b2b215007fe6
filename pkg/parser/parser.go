// Package parser reconstructs an ir.Module from its QBE textual
// serialization. Only the instruction subset the pipeline prints is
// recognized; the result is raw and must go through the verifier
// before optimization or execution.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/neuneeraj/matangi-final/pkg/ir"
)

type parser struct {
	mod   *ir.Module
	fn    *ir.Func
	cur   *ir.BasicBlock
	temps map[int]*ir.Temp
	maxID int
	line  int
}

// Parse reads QBE text back into a module. name is used for
// diagnostics and as the module name when the text carries none.
func Parse(name, src string) (*ir.Module, error) {
	p := &parser{mod: ir.NewModule(name)}
	for _, raw := range strings.Split(src, "\n") {
		p.line++
		if err := p.parseLine(strings.TrimSpace(raw)); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, p.line, err)
		}
	}
	if p.fn != nil {
		return nil, fmt.Errorf("%s: unterminated function %q", name, p.fn.Name)
	}
	return p.mod, nil
}

func (p *parser) parseLine(line string) error {
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "# module "):
		p.mod.Name = strings.TrimPrefix(line, "# module ")
		return nil
	case strings.HasPrefix(line, "#"):
		return nil
	case strings.HasPrefix(line, "data ") || strings.HasPrefix(line, "export data "):
		return p.parseData(line)
	case strings.HasPrefix(line, "function ") || strings.HasPrefix(line, "export function "):
		return p.parseFuncHeader(line)
	case line == "}":
		if p.fn == nil { return fmt.Errorf("unexpected %q", "}") }
		p.fn.EnsureTempCount(p.maxID + 1)
		p.fn, p.cur, p.temps = nil, nil, nil
		return nil
	case strings.HasPrefix(line, "@"):
		if p.fn == nil { return fmt.Errorf("label outside function") }
		p.cur = p.fn.NewBlock(strings.TrimPrefix(line, "@"))
		return nil
	default:
		if p.cur == nil { return fmt.Errorf("instruction outside block: %q", line) }
		return p.parseInstr(line)
	}
}

// parseData reads: [export ]data $name = align N { T init }
func (p *parser) parseData(line string) error {
	linkage := ir.LinkInternal
	if strings.HasPrefix(line, "export ") {
		linkage = ir.LinkExport
		line = strings.TrimPrefix(line, "export ")
	}
	fields := strings.Fields(strings.NewReplacer("{", " ", "}", " ").Replace(line))
	// data $name = align N T init
	if len(fields) != 7 || fields[0] != "data" || fields[2] != "=" || fields[3] != "align" {
		return fmt.Errorf("malformed data definition: %q", line)
	}
	name := strings.TrimPrefix(fields[1], "$")
	typ, err := classOfLetter(fields[5])
	if err != nil { return err }
	init, err := p.parseValue(fields[6], typ)
	if err != nil { return err }
	_, err = p.mod.NewGlobal(name, typ, init, linkage)
	return err
}

// parseFuncHeader reads: [export ]function [T ]$name(T %a, ...) {
func (p *parser) parseFuncHeader(line string) error {
	if p.fn != nil {
		return fmt.Errorf("nested function definition")
	}
	export := false
	if strings.HasPrefix(line, "export ") {
		export = true
		line = strings.TrimPrefix(line, "export ")
	}
	line = strings.TrimPrefix(line, "function ")
	line = strings.TrimSuffix(strings.TrimSpace(line), "{")
	open := strings.IndexByte(line, '(')
	close := strings.LastIndexByte(line, ')')
	if open < 0 || close < open {
		return fmt.Errorf("malformed function header")
	}

	head := strings.Fields(line[:open])
	ret := ir.TypeNone
	var name string
	switch len(head) {
	case 1:
		name = head[0]
	case 2:
		var err error
		if ret, err = classOfLetter(head[0]); err != nil { return err }
		name = head[1]
	default:
		return fmt.Errorf("malformed function header")
	}
	name = strings.TrimPrefix(name, "$")

	var params []*ir.Param
	for _, decl := range splitArgs(line[open+1 : close]) {
		parts := strings.Fields(decl)
		if len(parts) != 2 || !strings.HasPrefix(parts[1], "%") {
			return fmt.Errorf("malformed parameter %q", decl)
		}
		typ, err := classOfLetter(parts[0])
		if err != nil { return err }
		params = append(params, ir.NewParam(strings.TrimPrefix(parts[1], "%"), typ))
	}

	fn, err := p.mod.NewFunc(name, ret, params...)
	if err != nil { return err }
	fn.Export = export
	p.fn, p.cur, p.temps, p.maxID = fn, nil, make(map[int]*ir.Temp), -1
	return nil
}

func (p *parser) parseInstr(line string) error {
	var result *ir.Temp
	typ := ir.TypeNone

	if strings.HasPrefix(line, "%") {
		eq := strings.Index(line, " =")
		if eq < 0 { return fmt.Errorf("malformed instruction: %q", line) }
		rest := line[eq+2:]
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 { return fmt.Errorf("malformed instruction: %q", line) }
		var err error
		if typ, err = classOfLetter(rest[:sp]); err != nil { return err }
		res, err := p.parseValue(line[:eq], typ)
		if err != nil { return err }
		t, ok := res.(*ir.Temp)
		if !ok { return fmt.Errorf("result %q is not a temporary", line[:eq]) }
		t.Typ = typ
		result = t
		line = strings.TrimSpace(rest[sp+1:])
	}

	if strings.HasPrefix(line, "call ") {
		return p.parseCall(result, typ, strings.TrimPrefix(line, "call "))
	}

	sp := strings.IndexByte(line, ' ')
	name := line
	rest := ""
	if sp >= 0 {
		name, rest = line[:sp], strings.TrimSpace(line[sp+1:])
	}

	inst, err := p.decodeOp(name, typ)
	if err != nil { return err }
	inst.Result = result
	if inst.Op == ir.OpAlloc && result != nil { result.Typ = ir.TypePtr }

	operandClass := inst.Typ
	if inst.Op.IsCompare() || inst.Op == ir.OpStore { operandClass = inst.Aux }
	if inst.Op == ir.OpExtSW || inst.Op == ir.OpSWToF || inst.Op == ir.OpJnz { operandClass = ir.TypeW }
	if inst.Op == ir.OpRet && p.fn != nil { operandClass = p.fn.Ret }

	if rest != "" {
		for _, tok := range splitArgs(rest) {
			v, err := p.parseValue(tok, operandClass)
			if err != nil { return err }
			inst.Args = append(inst.Args, v)
		}
	}
	if inst.Op == ir.OpStore && len(inst.Args) == 2 {
		// second operand is the address
		if t, ok := inst.Args[1].(*ir.Temp); ok && t.Typ != ir.TypePtr && t.Typ != ir.TypeL { t.Typ = ir.TypePtr }
	}
	p.cur.Instrs = append(p.cur.Instrs, inst)
	return nil
}

func (p *parser) parseCall(result *ir.Temp, typ ir.Type, rest string) error {
	open := strings.IndexByte(rest, '(')
	close := strings.LastIndexByte(rest, ')')
	if open < 0 || close < open {
		return fmt.Errorf("malformed call: %q", rest)
	}
	callee := strings.TrimSpace(rest[:open])
	if !strings.HasPrefix(callee, "$") {
		return fmt.Errorf("call target %q is not a global", callee)
	}
	inst := &ir.Instruction{Op: ir.OpCall, Typ: typ, Result: result,
		Args: []ir.Value{&ir.GlobalRef{Name: strings.TrimPrefix(callee, "$")}}}
	for _, argDecl := range splitArgs(rest[open+1 : close]) {
		parts := strings.Fields(argDecl)
		if len(parts) != 2 {
			return fmt.Errorf("malformed call argument %q", argDecl)
		}
		cls, err := classOfLetter(parts[0])
		if err != nil { return err }
		v, err := p.parseValue(parts[1], cls)
		if err != nil { return err }
		inst.Args = append(inst.Args, v)
	}
	p.cur.Instrs = append(p.cur.Instrs, inst)
	return nil
}

func (p *parser) decodeOp(name string, typ ir.Type) (*ir.Instruction, error) {
	inst := &ir.Instruction{Typ: typ}
	if cls, ok := strings.CutPrefix(name, "load"); ok && cls != "" {
		t, err := classOfLetter(cls)
		if err != nil { return nil, err }
		inst.Op, inst.Typ, inst.Aux = ir.OpLoad, t, t
		return inst, nil
	}
	if cls, ok := strings.CutPrefix(name, "store"); ok && cls != "" {
		t, err := classOfLetter(cls)
		if err != nil { return nil, err }
		inst.Op, inst.Aux = ir.OpStore, t
		inst.Typ = ir.TypeNone
		return inst, nil
	}
	for prefix, op := range compareOps {
		if cls, ok := strings.CutPrefix(name, prefix); ok && len(cls) == 1 {
			t, err := classOfLetter(cls)
			if err != nil { return nil, err }
			inst.Op, inst.Aux = op, t
			return inst, nil
		}
	}
	switch name {
	case "alloc4", "alloc8":
		inst.Op, inst.Typ = ir.OpAlloc, ir.TypePtr
		inst.Aux = ir.TypeW
		if name == "alloc8" { inst.Aux = ir.TypeL }
	case "add": inst.Op = ir.OpAdd
	case "sub": inst.Op = ir.OpSub
	case "mul": inst.Op = ir.OpMul
	case "div": inst.Op = ir.OpDiv
	case "extsw": inst.Op, inst.Typ = ir.OpExtSW, ir.TypeL
	case "swtof": inst.Op, inst.Typ = ir.OpSWToF, ir.TypeS
	case "copy": inst.Op = ir.OpCopy
	case "jmp": inst.Op, inst.Typ = ir.OpJmp, ir.TypeNone
	case "jnz": inst.Op, inst.Typ = ir.OpJnz, ir.TypeNone
	case "ret": inst.Op, inst.Typ = ir.OpRet, ir.TypeNone
	default:
		return nil, fmt.Errorf("unknown instruction %q", name)
	}
	return inst, nil
}

var compareOps = map[string]ir.Op{
	"ceq":  ir.OpCEq,
	"cne":  ir.OpCNe,
	"cslt": ir.OpCSLt,
	"csle": ir.OpCSLe,
	"csgt": ir.OpCSGt,
	"csge": ir.OpCSGe,
}

// parseValue decodes one operand token. class supplies the scalar
// class for tokens that do not spell their own (integer constants and
// first-seen temporaries).
func (p *parser) parseValue(tok string, class ir.Type) (ir.Value, error) {
	switch {
	case strings.HasPrefix(tok, "%t"):
		id, err := strconv.Atoi(tok[2:])
		if err == nil {
			if t, ok := p.temps[id]; ok { return t, nil }
			t := &ir.Temp{ID: id, Typ: class}
			p.temps[id] = t
			if id > p.maxID { p.maxID = id }
			return t, nil
		}
		fallthrough
	case strings.HasPrefix(tok, "%"):
		name := strings.TrimPrefix(tok, "%")
		if p.fn != nil {
			if prm := p.fn.ParamByName(name); prm != nil { return prm, nil }
		}
		return nil, fmt.Errorf("unknown value %q", tok)
	case strings.HasPrefix(tok, "$"):
		name := strings.TrimPrefix(tok, "$")
		ref := &ir.GlobalRef{Name: name}
		if g := p.mod.FindGlobal(name); g != nil { ref.Typ = g.Typ }
		return ref, nil
	case strings.HasPrefix(tok, "@"):
		return &ir.Label{Name: strings.TrimPrefix(tok, "@")}, nil
	case strings.HasPrefix(tok, "s_"):
		f, err := strconv.ParseFloat(tok[2:], 32)
		if err != nil {
			return nil, fmt.Errorf("malformed float constant %q", tok)
		}
		return ir.Single(float32(f)), nil
	default:
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed operand %q", tok)
		}
		if class != ir.TypeL && class != ir.TypePtr {
			return ir.Word(int32(n)), nil
		}
		return ir.Long(n), nil
	}
}

// splitArgs splits a comma-separated operand list.
func splitArgs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" { out = append(out, part) }
	}
	return out
}

func classOfLetter(s string) (ir.Type, error) {
	switch s {
	case "w": return ir.TypeW, nil
	case "l": return ir.TypeL, nil
	case "s": return ir.TypeS, nil
	default: return ir.TypeNone, fmt.Errorf("unknown scalar class %q", s)
	}
}
