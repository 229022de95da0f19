/*
 * Conduit
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package connector

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"
)

// Messages distinguishing the two timeout failure modes. Pool exhaustion
// must be observable distinctly from a server-side timeout.
const (
	poolTimeoutMessage  = "timed out waiting for a connection pool slot"
	queryTimeoutMessage = "query execution timed out"
)

// ErrPoolTimeout returns the error for pool acquisition exceeding the
// operation timeout.
func ErrPoolTimeout() error {
	return trace.LimitExceeded("%s", poolTimeoutMessage)
}

// ErrQueryTimeout returns the error for server-side execution exceeding
// the operation timeout.
func ErrQueryTimeout() error {
	return trace.LimitExceeded("%s", queryTimeoutMessage)
}

// ErrNotConnected returns the error for operations against a connector
// that is not in the Connected state.
func ErrNotConnected(state State) error {
	return trace.ConnectionProblem(nil, "connector is %v and does not accept operations", state)
}

// ErrBadIsolation returns the error for an unsupported isolation level.
func ErrBadIsolation(lvl string) error {
	return trace.BadParameter("unsupported isolation level %q", lvl)
}

// IsConnectionTimeout reports whether err is a pool acquisition or connect
// timeout.
func IsConnectionTimeout(err error) bool {
	return trace.IsLimitExceeded(err) && strings.Contains(err.Error(), poolTimeoutMessage)
}

// IsQueryTimeout reports whether err is a server-side execution timeout.
func IsQueryTimeout(err error) bool {
	return trace.IsLimitExceeded(err) && strings.Contains(err.Error(), queryTimeoutMessage)
}

// ConvertError maps backend driver errors into the closed conduit error
// set, preserving the original error as context. Classification is
// deterministic per backend; unclassified errors pass through wrapped.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	var pgError *pgconn.PgError
	var myError *mysql.MyError
	switch unwrapped := trace.Unwrap(err); {
	case errors.As(unwrapped, &pgError):
		return convertPostgresError(pgError)
	case errors.As(unwrapped, &myError):
		return convertMySQLError(myError)
	case isMongoError(unwrapped):
		return convertMongoError(unwrapped)
	case errors.Is(unwrapped, context.DeadlineExceeded):
		return ErrQueryTimeout()
	case errors.Is(unwrapped, syscall.ECONNREFUSED):
		return trace.ConnectionProblem(err, "connection refused")
	case isNetTimeout(unwrapped):
		return trace.ConnectionProblem(err, "connection timed out")
	}
	return trace.Wrap(err)
}

// convertPostgresError converts Postgres driver errors using SQLSTATE
// classes. The authentication and timeout classes are exhaustive for the
// supported server versions.
func convertPostgresError(err *pgconn.PgError) error {
	switch err.Code {
	case pgerrcode.InvalidAuthorizationSpecification,
		pgerrcode.InvalidPassword,
		pgerrcode.InsufficientPrivilege:
		return trace.AccessDenied("%s", err)
	case pgerrcode.QueryCanceled:
		return ErrQueryTimeout()
	case pgerrcode.TooManyConnections,
		pgerrcode.CannotConnectNow,
		pgerrcode.AdminShutdown:
		return trace.ConnectionProblem(err, "%s", err.Message)
	case pgerrcode.InvalidCatalogName,
		pgerrcode.UndefinedTable,
		pgerrcode.UndefinedColumn,
		pgerrcode.SyntaxError:
		return trace.BadParameter("%s", err)
	}
	return trace.Wrap(err)
}

// convertMySQLError converts MySQL driver errors using server error codes.
func convertMySQLError(err *mysql.MyError) error {
	switch err.Code {
	case mysql.ER_ACCESS_DENIED_ERROR,
		mysql.ER_DBACCESS_DENIED_ERROR,
		mysql.ER_SPECIFIC_ACCESS_DENIED_ERROR:
		return trace.AccessDenied("%s", err)
	case mysql.ER_LOCK_WAIT_TIMEOUT:
		return ErrQueryTimeout()
	case mysql.ER_CON_COUNT_ERROR, mysql.ER_TOO_MANY_USER_CONNECTIONS:
		return trace.ConnectionProblem(err, "%s", err)
	case mysql.ER_BAD_DB_ERROR,
		mysql.ER_NO_SUCH_TABLE,
		mysql.ER_BAD_FIELD_ERROR,
		mysql.ER_PARSE_ERROR:
		return trace.BadParameter("%s", err)
	}
	return trace.Wrap(err)
}

// MongoDB server error codes for authentication failures.
const (
	mongoCodeUnauthorized         = 13
	mongoCodeAuthenticationFailed = 18
)

func isMongoError(err error) bool {
	var cmdErr mongo.CommandError
	var writeErr mongo.WriteException
	return errors.As(err, &cmdErr) || errors.As(err, &writeErr) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

// convertMongoError converts MongoDB driver errors using command error
// codes and the driver's own classification helpers.
func convertMongoError(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case mongoCodeUnauthorized, mongoCodeAuthenticationFailed:
			return trace.AccessDenied("%s", &cmdErr)
		}
	}
	switch {
	case mongo.IsTimeout(err):
		return ErrQueryTimeout()
	case mongo.IsNetworkError(err):
		return trace.ConnectionProblem(err, "%s", err)
	}
	return trace.Wrap(err)
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
