package dbutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var limitRegex = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)

// Finalize converts a gendry style query ("?" placeholders, "LIMIT ?,?")
// into postgres form.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	loc := limitRegex.FindStringIndex(query)
	if loc != nil {
		prefix := query[:loc[0]]
		qCount := strings.Count(prefix, "?")
		if qCount+1 < len(args) {
			args[qCount], args[qCount+1] = args[qCount+1], args[qCount]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}

// ExpandIn appends "AND|WHERE column IN (...)" for values and returns the
// expanded arguments. An empty values slice is an error, as with sqlx.In.
func ExpandIn(query string, args []interface{}, column string, values interface{}, hasWhere bool) (string, []interface{}, error) {
	clause := " WHERE "
	if hasWhere {
		clause = " AND "
	}
	all := make([]interface{}, 0, len(args)+1)
	all = append(all, args...)
	all = append(all, values)
	return sqlx.In(query+clause+column+" IN (?)", all...)
}

func IsConflict(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
