package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// tableRule describes which mutations a protected relation accepts.
type tableRule struct {
	insert        bool
	readOnlyView  bool
	updatableCols map[string]bool // nil: no UPDATE at all
	deletable     bool
}

// protected lists every relation whose committed rows the guard defends.
var protected = map[string]tableRule{
	"cutter__events":                {insert: true},
	"cutter__operational_events_v1": {},
	"cutter__operational_events":    {readOnlyView: true},
	"state__declarations":           {insert: true},
	"state__recognition_owners":     {insert: true, updatableCols: map[string]bool{"unassigned_at": true}},
	"state__entities":               {insert: true, updatableCols: map[string]bool{"entity_label": true, "cadence_days": true}, deletable: true},
	"ledger__migrations":            {insert: true},
}

// mutation is one write found in a SQL statement.
type mutation struct {
	verb    string // INSERT, UPDATE, DELETE, REPLACE, DROP, ALTER, CREATE TRIGGER, PRAGMA, ATTACH, DETACH
	target  string
	columns []string // UPDATE only; "?" marks a SET clause that could not be read
}

// checkStatement rejects any statement that would rewrite or remove committed
// ledger rows, or dismantle the triggers and tables that protect them.
func checkStatement(stmt string) error {
	for _, m := range parseMutations(stmt) {
		if err := checkMutation(m); err != nil {
			return err
		}
	}
	return nil
}

func checkMutation(m mutation) error {
	switch m.verb {
	case "PRAGMA", "ATTACH", "DETACH":
		return violation(m, fmt.Sprintf("%s is not permitted outside migrations", m.verb))
	case "DROP", "ALTER", "CREATE TRIGGER":
		if isProtectedObject(m.target) {
			return violation(m, fmt.Sprintf("%s %s is not permitted outside migrations", m.verb, m.target))
		}
		return nil
	}

	if systemTables[m.target] {
		return violation(m, fmt.Sprintf("%s on %s is not permitted", m.verb, m.target))
	}

	rule, ok := protected[m.target]
	if !ok {
		return nil
	}

	if rule.readOnlyView {
		return newLedgerError(ErrReadOnlyView, "guard."+m.target,
			fmt.Sprintf("%s through compatibility view %s is not permitted", m.verb, m.target),
			map[string]string{"verb": m.verb, "table": m.target})
	}

	switch m.verb {
	case "INSERT":
		if rule.insert {
			return nil
		}
		return violation(m, fmt.Sprintf("%s is a closed archive", m.target))
	case "UPDATE":
		if rule.updatableCols == nil {
			return violation(m, fmt.Sprintf("rows of %s are immutable", m.target))
		}
		for _, col := range m.columns {
			if !rule.updatableCols[col] {
				return violation(m, fmt.Sprintf("column %s.%s is immutable", m.target, col))
			}
		}
		return nil
	case "DELETE":
		if rule.deletable {
			return nil
		}
		return violation(m, fmt.Sprintf("rows of %s are never deleted", m.target))
	case "REPLACE":
		return violation(m, fmt.Sprintf("REPLACE would delete rows of %s", m.target))
	}
	return nil
}

func violation(m mutation, message string) *LedgerError {
	return newLedgerError(ErrAppendOnlyViolation, "guard."+m.target, message,
		map[string]string{"verb": m.verb, "table": m.target})
}

// parseMutations finds write verbs and their targets anywhere in stmt,
// including CTEs, trigger bodies and multi-statement batches.
func parseMutations(stmt string) []mutation {
	toks := tokenize(stmt)
	var out []mutation
	lastInsert := ""

	for i := 0; i < len(toks); i++ {
		statementStart := i == 0 || toks[i-1] == ";"
		switch toks[i] {
		case "pragma":
			if statementStart {
				name, _ := qualifiedName(toks, i+1)
				out = append(out, mutation{verb: "PRAGMA", target: name})
			}
		case "attach", "detach":
			if statementStart {
				out = append(out, mutation{verb: strings.ToUpper(toks[i])})
			}
		case "insert":
			j := i + 1
			verb := "INSERT"
			if at(toks, j) == "or" {
				if at(toks, j+1) == "replace" {
					verb = "REPLACE"
				}
				j += 2
			}
			if at(toks, j) == "into" {
				lastInsert, _ = qualifiedName(toks, j+1)
				out = append(out, mutation{verb: verb, target: lastInsert})
			}
		case "replace":
			if at(toks, i+1) == "into" {
				target, _ := qualifiedName(toks, i+2)
				out = append(out, mutation{verb: "REPLACE", target: target})
			}
		case "delete":
			if at(toks, i+1) == "from" {
				target, _ := qualifiedName(toks, i+2)
				out = append(out, mutation{verb: "DELETE", target: target})
			}
		case "update":
			if at(toks, i-1) == "do" && at(toks, i+1) == "set" {
				// Upsert: ON CONFLICT ... DO UPDATE SET updates the insert target.
				out = append(out, mutation{verb: "UPDATE", target: lastInsert, columns: setColumns(toks, i+2)})
				continue
			}
			if next := at(toks, i+1); next == "on" || next == "of" {
				// Trigger events: "BEFORE UPDATE ON t", "UPDATE OF col ON t".
				continue
			}
			j := i + 1
			if at(toks, j) == "or" {
				j += 2
			}
			target, k := qualifiedName(toks, j)
			k = skipTableQualifiers(toks, k)
			if at(toks, k) != "set" {
				out = append(out, mutation{verb: "UPDATE", target: target, columns: []string{"?"}})
				continue
			}
			out = append(out, mutation{verb: "UPDATE", target: target, columns: setColumns(toks, k+1)})
		case "drop":
			j := i + 2
			if at(toks, j) == "if" && at(toks, j+1) == "exists" {
				j += 2
			}
			target, _ := qualifiedName(toks, j)
			out = append(out, mutation{verb: "DROP", target: target})
		case "alter":
			if at(toks, i+1) == "table" {
				target, _ := qualifiedName(toks, i+2)
				out = append(out, mutation{verb: "ALTER", target: target})
			}
		case "trigger":
			if at(toks, i-1) == "create" || at(toks, i-2) == "create" {
				if target := triggerTable(toks, i+1); target != "" {
					out = append(out, mutation{verb: "CREATE TRIGGER", target: target})
				}
			}
		}
	}
	return out
}

// qualifiedName reads "name", "schema.name" or a quoted "schema" . "name"
// starting at toks[i] and returns the bare name and the index after it.
func qualifiedName(toks []string, i int) (string, int) {
	name := at(toks, i)
	i++
	for at(toks, i) == "." && at(toks, i+1) != "" {
		name = at(toks, i+1)
		i += 2
	}
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	return name, i
}

// skipTableQualifiers skips "AS alias", a bare alias, "INDEXED BY idx" and
// "NOT INDEXED" after an UPDATE target.
func skipTableQualifiers(toks []string, k int) int {
	switch at(toks, k) {
	case "as":
		k += 2
	case "set", "indexed", "not", "":
	default:
		k++
	}
	switch at(toks, k) {
	case "indexed":
		k += 3
	case "not":
		if at(toks, k+1) == "indexed" {
			k += 2
		}
	}
	return k
}

// triggerTable finds the table of a CREATE TRIGGER header: the name after
// the first "on".
func triggerTable(toks []string, i int) string {
	for ; i < len(toks); i++ {
		switch toks[i] {
		case "on":
			name, _ := qualifiedName(toks, i+1)
			return name
		case "begin", ";":
			return ""
		}
	}
	return ""
}

// setColumns collects assigned column names from a SET clause.
func setColumns(toks []string, start int) []string {
	var cols []string
	depth := 0
	expectCol := true
	for i := start; i < len(toks); i++ {
		switch tok := toks[i]; tok {
		case "(":
			if expectCol && depth == 0 {
				// Row-value assignment: SET (a, b) = (...)
				for k := i + 1; k < len(toks) && toks[k] != ")"; k++ {
					if toks[k] != "," {
						cols = append(cols, toks[k])
					}
				}
				expectCol = false
			}
			depth++
		case ")":
			depth--
		case "where", "from", "returning", ";", "order", "limit":
			if depth == 0 {
				return cols
			}
		case ",":
			if depth == 0 {
				expectCol = true
			}
		default:
			if expectCol && depth == 0 && at(toks, i+1) == "=" {
				cols = append(cols, tok)
				expectCol = false
			}
		}
	}
	return cols
}

// statementCount counts the non-empty statements in stmt.
func statementCount(stmt string) int {
	n := 0
	pending := false
	for _, tok := range tokenize(stmt) {
		if tok == ";" {
			if pending {
				n++
			}
			pending = false
			continue
		}
		pending = true
	}
	if pending {
		n++
	}
	return n
}

func at(toks []string, i int) string {
	if i < 0 || i >= len(toks) {
		return ""
	}
	return toks[i]
}

// tokenize splits SQL into lowercase words and single punctuation marks.
// String literals and comments are dropped. Quoted identifiers become
// words, and "main." schema qualifiers are removed.
func tokenize(stmt string) []string {
	var toks []string
	var word strings.Builder

	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.ToLower(word.String())
		w = strings.TrimPrefix(w, "main.")
		toks = append(toks, w)
		word.Reset()
	}

	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			flush()
			for i < len(stmt) && stmt[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			flush()
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				return toks
			}
			i += end + 3
		case c == '\'':
			flush()
			i = skipQuoted(stmt, i, '\'')
			toks = append(toks, "?")
		case c == '"' || c == '`' || c == '[':
			flush()
			closer := c
			if c == '[' {
				closer = ']'
			}
			end := strings.IndexByte(stmt[i+1:], closer)
			if end < 0 {
				word.WriteString(stmt[i+1:])
				i = len(stmt)
			} else {
				word.WriteString(stmt[i+1 : i+1+end])
				i += end + 1
			}
			flush()
		case isWordByte(c):
			word.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			flush()
			toks = append(toks, string(c))
		}
	}
	flush()
	return toks
}

func skipQuoted(s string, i int, q byte) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] == q {
			if j+1 < len(s) && s[j+1] == q {
				j++
				continue
			}
			return j
		}
	}
	return len(s)
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execGuarded is the only way the store writes. It runs the guard before the
// statement reaches SQLite and translates whatever the triggers report.
func execGuarded(ctx context.Context, ex execer, stmt string, args ...any) (sql.Result, error) {
	if err := checkStatement(stmt); err != nil {
		return nil, err
	}
	res, err := ex.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

// AdminExec runs one administrative statement through the write-path guard.
// No token or privilege unlocks mutation of committed ledger rows here; the
// guard rejects it with ErrAppendOnlyViolation before SQLite sees it, and the
// connection authorizer refuses whatever the guard cannot parse.
func (s *Store) AdminExec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if statementCount(stmt) > 1 {
		return 0, fmt.Errorf("admin exec: %w", invalidArgument("admin.single_statement",
			"admin exec runs exactly one statement"))
	}
	res, err := execGuarded(ctx, s.db, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("admin exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("admin exec: %w", err)
	}
	return n, nil
}
