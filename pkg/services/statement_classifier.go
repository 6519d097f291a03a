package services

import (
	"regexp"
	"strings"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

// StatementType represents the type of SQL statement.
type StatementType int

const (
	StatementTypeDDL     StatementType = iota // CREATE, DROP, ALTER, TRUNCATE
	StatementTypeDML                          // INSERT, UPDATE, DELETE, REPLACE, MERGE
	StatementTypeDQL                          // SELECT, WITH...SELECT, VALUES, TABLE
	StatementTypeTCL                          // COMMIT, ROLLBACK, SAVEPOINT, BEGIN
	StatementTypeDCL                          // GRANT, REVOKE
	StatementTypeUtility                      // SHOW, DESCRIBE, EXPLAIN, ANALYZE, SET, USE
	StatementTypeOther                        // Unrecognized statements
)

// String returns the string representation of the statement type.
func (st StatementType) String() string {
	switch st {
	case StatementTypeDDL:
		return "DDL"
	case StatementTypeDML:
		return "DML"
	case StatementTypeDQL:
		return "DQL"
	case StatementTypeTCL:
		return "TCL"
	case StatementTypeDCL:
		return "DCL"
	case StatementTypeUtility:
		return "UTILITY"
	case StatementTypeOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// Dialect holds the literal rules of one backend.
type Dialect struct {
	// BackslashEscapes lets \ escape the next character in '...' and "..."
	// literals (MySQL default sql_mode).
	BackslashEscapes bool
	// EscapeStrings enables backslash escapes only in E'...' literals
	// (Postgres with standard_conforming_strings on).
	EscapeStrings bool
	// DollarQuotes recognises $tag$...$tag$ strings.
	DollarQuotes bool
}

// DialectFor returns the literal rules of a driver. Unknown drivers get
// standard SQL rules.
func DialectFor(kind models.DriverKind) Dialect {
	switch kind {
	case models.DriverMySQL:
		return Dialect{BackslashEscapes: true}
	case models.DriverPostgres:
		return Dialect{EscapeStrings: true, DollarQuotes: true}
	default:
		return Dialect{}
	}
}

// StatementClassifier is a lexical classifier. It never parses; it strips
// comments and literals and then matches keywords. Anything it cannot prove
// to be read-only is treated as a write.
type StatementClassifier struct {
	dialect Dialect

	ddlPatterns     []*regexp.Regexp
	dmlPatterns     []*regexp.Regexp
	dqlPatterns     []*regexp.Regexp
	tclPatterns     []*regexp.Regexp
	dclPatterns     []*regexp.Regexp
	utilityPatterns []*regexp.Regexp

	// read-only utility statements
	readUtilityPatterns []*regexp.Regexp

	// DQL shapes that write or take row locks
	writingQueryPatterns []*regexp.Regexp

	explainAnalyze *regexp.Regexp
	returning      *regexp.Regexp
}

// NewStatementClassifier creates a classifier using standard SQL literal
// rules.
func NewStatementClassifier() *StatementClassifier {
	sc := &StatementClassifier{}
	sc.initializePatterns()
	return sc
}

// ForDriver returns a classifier that shares the compiled patterns of sc and
// lexes literals the way kind does.
func (sc *StatementClassifier) ForDriver(kind models.DriverKind) *StatementClassifier {
	c := *sc
	c.dialect = DialectFor(kind)
	return &c
}

// initializePatterns compiles the keyword patterns. Input is already upper
// case with comments and literals removed.
func (sc *StatementClassifier) initializePatterns() {
	sc.ddlPatterns = compileAll(
		`^\s*CREATE\b`,
		`^\s*DROP\b`,
		`^\s*ALTER\b`,
		`^\s*TRUNCATE\b`,
		`^\s*COMMENT\s+ON\b`,
		`^\s*RENAME\b`,
	)

	sc.dmlPatterns = compileAll(
		`^\s*INSERT\b`,
		`^\s*UPDATE\b`,
		`^\s*DELETE\b`,
		`^\s*REPLACE\b`,
		`^\s*MERGE\b`,
		`^\s*UPSERT\b`,
		`^\s*COPY\b`,
		`^\s*LOAD\s+DATA\b`,
		`^\s*CALL\b`,
		`^\s*DO\b`,
	)

	sc.dqlPatterns = compileAll(
		`^\s*SELECT\b`,
		`^\s*WITH\b`,
		`^\s*\(\s*SELECT\b`,
		`^\s*VALUES\b`,
		`^\s*TABLE\b`,
	)

	sc.tclPatterns = compileAll(
		`^\s*BEGIN\b`,
		`^\s*START\s+TRANSACTION\b`,
		`^\s*COMMIT\b`,
		`^\s*END\b`,
		`^\s*ROLLBACK\b`,
		`^\s*SAVEPOINT\b`,
		`^\s*RELEASE\b`,
		`^\s*SET\s+TRANSACTION\b`,
		`^\s*LOCK\b`,
		`^\s*UNLOCK\b`,
	)

	sc.dclPatterns = compileAll(
		`^\s*GRANT\b`,
		`^\s*REVOKE\b`,
	)

	sc.utilityPatterns = compileAll(
		`^\s*SHOW\b`,
		`^\s*DESCRIBE\b`,
		`^\s*DESC\b`,
		`^\s*EXPLAIN\b`,
		`^\s*ANALYZE\b`,
		`^\s*SET\b`,
		`^\s*RESET\b`,
		`^\s*USE\b`,
		`^\s*VACUUM\b`,
		`^\s*REINDEX\b`,
		`^\s*CHECKPOINT\b`,
		`^\s*OPTIMIZE\b`,
	)

	sc.readUtilityPatterns = compileAll(
		`^\s*SHOW\b`,
		`^\s*DESCRIBE\b`,
		`^\s*DESC\b`,
		`^\s*EXPLAIN\b`,
	)

	sc.writingQueryPatterns = compileAll(
		// data-modifying CTE: WITH x AS (INSERT ...) SELECT ...
		`\b(INSERT|UPDATE|DELETE|MERGE)\b`,
		// SELECT ... INTO new_table / @var / OUTFILE
		`\bINTO\b`,
		`\bFOR\s+(NO\s+KEY\s+)?UPDATE\b`,
		`\bFOR\s+(KEY\s+)?SHARE\b`,
		`\bLOCK\s+IN\s+SHARE\s+MODE\b`,
	)

	sc.explainAnalyze = regexp.MustCompile(`^\s*EXPLAIN\s+(\([^)]*\bANALY[SZ]E\b[^)]*\)|ANALY[SZ]E\b)`)
	sc.returning = regexp.MustCompile(`\bRETURNING\b`)
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// ClassifyStatement determines the type of the first statement in sql.
func (sc *StatementClassifier) ClassifyStatement(sql string) StatementType {
	stmts := splitStatements(sc.normalize(sql))
	if len(stmts) == 0 {
		return StatementTypeOther
	}
	return sc.classify(stmts[0])
}

// classify works on one normalized statement.
func (sc *StatementClassifier) classify(stmt string) StatementType {
	groups := []struct {
		patterns []*regexp.Regexp
		typ      StatementType
	}{
		{sc.dclPatterns, StatementTypeDCL},
		{sc.tclPatterns, StatementTypeTCL},
		{sc.ddlPatterns, StatementTypeDDL},
		{sc.dmlPatterns, StatementTypeDML},
		{sc.dqlPatterns, StatementTypeDQL},
		{sc.utilityPatterns, StatementTypeUtility},
	}
	for _, g := range groups {
		if matchAny(g.patterns, stmt) {
			return g.typ
		}
	}
	return StatementTypeOther
}

// AccessMode decides the concurrency class of sql. A script is a write if
// any of its statements is.
func (sc *StatementClassifier) AccessMode(sql string) models.AccessMode {
	stmts := splitStatements(sc.normalize(sql))
	if len(stmts) == 0 {
		return models.AccessWrite
	}
	for _, stmt := range stmts {
		if sc.statementAccess(stmt) == models.AccessWrite {
			return models.AccessWrite
		}
	}
	return models.AccessRead
}

func (sc *StatementClassifier) statementAccess(stmt string) models.AccessMode {
	switch sc.classify(stmt) {
	case StatementTypeDQL:
		if matchAny(sc.writingQueryPatterns, stmt) {
			return models.AccessWrite
		}
		return models.AccessRead
	case StatementTypeUtility:
		if sc.explainAnalyze.MatchString(stmt) {
			// EXPLAIN ANALYZE runs the statement.
			inner := sc.explainAnalyze.ReplaceAllString(stmt, "")
			return sc.statementAccess(inner)
		}
		if matchAny(sc.readUtilityPatterns, stmt) {
			return models.AccessRead
		}
		return models.AccessWrite
	default:
		return models.AccessWrite
	}
}

// ReturnsRows reports whether the first statement of sql produces a result
// set. Statements that do not are executed for their affected row count.
func (sc *StatementClassifier) ReturnsRows(sql string) bool {
	stmts := splitStatements(sc.normalize(sql))
	if len(stmts) == 0 {
		return false
	}
	stmt := stmts[0]
	switch sc.classify(stmt) {
	case StatementTypeDQL, StatementTypeOther:
		return true
	case StatementTypeUtility:
		return matchAny(sc.readUtilityPatterns, stmt)
	case StatementTypeDML, StatementTypeDDL:
		return sc.returning.MatchString(stmt)
	default:
		return false
	}
}

// ValidateStatement rejects statements that contain nothing but whitespace
// and comments, or that leave a literal or comment open.
func (sc *StatementClassifier) ValidateStatement(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return errors.New(errors.CodeInvalidRequest, "query cannot be empty")
	}
	norm, ok := scanSQL(sql, sc.dialect)
	if !ok {
		return errors.New(errors.CodeInvalidRequest, "unterminated quote or comment")
	}
	if len(splitStatements(norm)) == 0 {
		return errors.New(errors.CodeInvalidRequest, "query contains only comments")
	}
	return nil
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// normalize upper-cases sql and blanks out comments, string literals and
// quoted identifiers so keywords inside them are not seen.
func (sc *StatementClassifier) normalize(sql string) string {
	norm, _ := scanSQL(sql, sc.dialect)
	return norm
}

// scanSQL does the work of normalize and also reports whether every
// literal and comment was closed.
func scanSQL(sql string, d Dialect) (string, bool) {
	var b strings.Builder
	b.Grow(len(sql))

	closed := true
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
				closed = false
			} else {
				i += end + 4
			}
			b.WriteByte(' ')
		case c == '$' && d.DollarQuotes && !identBefore(sql, i) && dollarTag(sql[i:]) != "":
			tag := dollarTag(sql[i:])
			end := strings.Index(sql[i+len(tag):], tag)
			if end < 0 {
				i = len(sql)
				closed = false
			} else {
				i += len(tag) + end + len(tag)
			}
			b.WriteString("''")
		case c == '\'' || c == '"' || c == '`':
			backslash := c != '`' && d.BackslashEscapes ||
				c == '\'' && d.EscapeStrings && escapePrefix(sql, i)
			j, ok := skipQuoted(sql, i, backslash)
			if !ok {
				closed = false
			}
			i = j
			if c == '\'' {
				b.WriteString("''")
			} else {
				b.WriteString(`""`)
			}
		default:
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), closed
}

// skipQuoted returns the index after the literal starting at sql[i]. Doubled
// quotes stay inside the literal, and so do backslash escapes when
// backslash is set.
func skipQuoted(sql string, i int, backslash bool) (int, bool) {
	q := sql[i]
	i++
	for i < len(sql) {
		switch sql[i] {
		case '\\':
			if backslash {
				i += 2
				continue
			}
		case q:
			if i+1 < len(sql) && sql[i+1] == q {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return len(sql), false
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

// identBefore reports whether sql[i] continues an identifier or number.
func identBefore(sql string, i int) bool {
	return i > 0 && isIdentChar(sql[i-1])
}

// escapePrefix reports whether the quote at sql[i] opens an E'...' literal.
func escapePrefix(sql string, i int) bool {
	return i > 0 && (sql[i-1] == 'E' || sql[i-1] == 'e') && !identBefore(sql, i-1)
}

var dollarTagPattern = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)?\$`)

// dollarTag returns the opening tag of a Postgres dollar-quoted string.
func dollarTag(s string) string {
	return dollarTagPattern.FindString(s)
}

// splitStatements splits normalized sql on semicolons and drops empty parts.
func splitStatements(norm string) []string {
	parts := strings.Split(norm, ";")
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
