// Package expr evaluates the small boolean expressions used for pipeline
// step conditions and convergence stop predicates.
//
// Only a fixed grammar is accepted. There are no function calls, no
// assignment and no access to anything outside the supplied environment:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | compare
//	compare = operand [ op operand ]
//	op      = "==" | "!=" | "===" | "!==" | "<" | "<=" | ">" | ">=" | "contains"
//	operand = number | string | "true" | "false" | "null" | path | "(" expr ")"
//	path    = ident { "." ident | "[" ( number | string ) "]" }
//
// The root identifier of a path must exist in the environment; deeper
// segments that are missing evaluate to null. The pseudo-field "length"
// yields the size of a string, list or map.
//
//	ok, err := expr.Evaluate(`steps.plan.output.approved == true && input.priority >= 2`, env)
package expr
