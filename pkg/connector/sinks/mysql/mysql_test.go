package mysql

import (
	"fmt"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink() *Sink {
	return &Sink{
		table:   "orders",
		columns: []string{"id", "customer", "total"},
	}
}

func TestInsertStatement(t *testing.T) {
	s := testSink()
	stmt := s.insertStmt([]string{"(1,'alice',9.5)", "(2,'bob',3)"})
	assert.Equal(t,
		"INSERT INTO `orders` (`id`,`customer`,`total`) VALUES (1,'alice',9.5),(2,'bob',3)",
		stmt)

	s.ignore = true
	stmt = s.insertStmt([]string{"(1,'alice',9.5)"})
	assert.Equal(t,
		"INSERT IGNORE INTO `orders` (`id`,`customer`,`total`) VALUES (1,'alice',9.5)",
		stmt)
}

func TestRowLiteralColumnOrderAndNulls(t *testing.T) {
	s := testSink()

	tuple, err := s.rowLiteral([]byte(`{"customer":"alice","id":7}`))
	require.NoError(t, err)
	assert.Equal(t, "(7,'alice',NULL)", tuple)
}

func TestRowLiteralTypes(t *testing.T) {
	s := &Sink{table: "t", columns: []string{"a", "b", "c", "d"}}

	tuple, err := s.rowLiteral([]byte(`{"a":true,"b":false,"c":1.25,"d":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, `(1,0,1.25,'{"x":1}')`, tuple)
}

func TestRowLiteralRejectsNonObject(t *testing.T) {
	s := testSink()
	_, err := s.rowLiteral([]byte(`not json`))
	assert.Error(t, err)
	_, err = s.rowLiteral([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestEscapeQuotedCharacters(t *testing.T) {
	assert.Equal(t, `it\'s`, escape("it's"))
	assert.Equal(t, `a\\b`, escape(`a\b`))
	assert.Equal(t, `line\nbreak`, escape("line\nbreak"))
	assert.Equal(t, "plain", escape("plain"))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(&mysql.MySQLError{Number: 1205, Message: "lock wait timeout"}))
	assert.True(t, retryable(&mysql.MySQLError{Number: 1213, Message: "deadlock"}))
	assert.False(t, retryable(&mysql.MySQLError{Number: 1366, Message: "incorrect value"}))
	assert.False(t, retryable(&mysql.MySQLError{Number: 1406, Message: "data too long"}))
	assert.False(t, retryable(&mysql.MySQLError{Number: 1048, Message: "column cannot be null"}))

	assert.True(t, retryable(mysql.ErrInvalidConn))
	assert.True(t, retryable(&net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}))
	assert.False(t, retryable(fmt.Errorf("some other failure")))
}
