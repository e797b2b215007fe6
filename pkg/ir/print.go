package ir

import (
	"fmt"
	"strings"
)

// String serializes the module to QBE assembly. The output is the
// exact text handed to the native backend and is stable under a
// parse/print round trip.
func (m *Module) String() string {
	var out strings.Builder
	fmt.Fprintf(&out, "# module %s\n", m.Name)

	for _, g := range m.Globals {
		printGlobal(&out, g)
	}
	for _, f := range m.Funcs {
		printFunc(&out, f)
	}
	return out.String()
}

func printGlobal(out *strings.Builder, g *GlobalDef) {
	export := ""
	if g.Linkage != LinkInternal { export = "export " }
	fmt.Fprintf(out, "%sdata $%s = align %d { %s %s }\n",
		export, g.Name, SizeOfType(g.Typ), g.Typ, g.Init)
}

func printFunc(out *strings.Builder, f *Func) {
	export := ""
	if f.Export { export = "export " }
	ret := ""
	if f.Ret != TypeNone { ret = f.Ret.String() + " " }

	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = fmt.Sprintf("%s %s", p.Typ, p)
	}
	fmt.Fprintf(out, "\n%sfunction %s$%s(%s) {\n", export, ret, f.Name, strings.Join(params, ", "))

	for _, b := range f.Blocks {
		fmt.Fprintf(out, "@%s\n", b.Label)
		for _, inst := range b.Instrs {
			printInstr(out, inst)
		}
	}
	out.WriteString("}\n")
}

func printInstr(out *strings.Builder, inst *Instruction) {
	out.WriteString("\t")
	if inst.Result != nil {
		fmt.Fprintf(out, "%s =%s ", inst.Result, inst.Typ)
	}

	if inst.Op == OpCall {
		printCall(out, inst)
		return
	}

	out.WriteString(opName(inst))
	for i, arg := range inst.Args {
		if i > 0 { out.WriteString(",") }
		out.WriteString(" ")
		out.WriteString(arg.String())
	}
	out.WriteString("\n")
}

func printCall(out *strings.Builder, inst *Instruction) {
	fmt.Fprintf(out, "call %s(", inst.Args[0])
	for i, arg := range inst.Args[1:] {
		if i > 0 { out.WriteString(", ") }
		fmt.Fprintf(out, "%s %s", arg.Type(), arg)
	}
	out.WriteString(")\n")
}

func opName(inst *Instruction) string {
	switch inst.Op {
	case OpAlloc:
		if SizeOfType(inst.Aux) > 4 { return "alloc8" }
		return "alloc4"
	case OpLoad: return "load" + inst.Typ.String()
	case OpStore: return "store" + inst.Aux.String()
	case OpAdd: return "add"
	case OpSub: return "sub"
	case OpMul: return "mul"
	case OpDiv: return "div"
	case OpCEq: return "ceq" + inst.Aux.String()
	case OpCNe: return "cne" + inst.Aux.String()
	case OpCSLt: return "cslt" + inst.Aux.String()
	case OpCSLe: return "csle" + inst.Aux.String()
	case OpCSGt: return "csgt" + inst.Aux.String()
	case OpCSGe: return "csge" + inst.Aux.String()
	case OpExtSW: return "extsw"
	case OpSWToF: return "swtof"
	case OpCopy: return "copy"
	case OpJmp: return "jmp"
	case OpJnz: return "jnz"
	case OpRet: return "ret"
	default: return "unknown_op"
	}
}
