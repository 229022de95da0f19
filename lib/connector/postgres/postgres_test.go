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

package postgres

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/connector"
)

func TestPoolConfigEscapesCredentials(t *testing.T) {
	c, err := New(connector.Config{
		Backend:  connector.BackendPostgres,
		Host:     "db.internal",
		Port:     5432,
		Database: "app",
		Username: "svc@corp",
		Password: "p@ss:w/rd?#",
	}, clockwork.NewFakeClock())
	require.NoError(t, err)

	poolCfg, err := c.poolConfig()
	require.NoError(t, err)
	require.Equal(t, "svc@corp", poolCfg.ConnConfig.User)
	require.Equal(t, "p@ss:w/rd?#", poolCfg.ConnConfig.Password)
	require.Equal(t, "db.internal", poolCfg.ConnConfig.Host)
	require.Equal(t, uint16(5432), poolCfg.ConnConfig.Port)
	require.Equal(t, "app", poolCfg.ConnConfig.Database)
}
