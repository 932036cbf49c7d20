//go:build integration

package testutil

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplyFixtureSchema creates the demo procedures exercised by the
// catalog/resolver/dbconn/rpctransport/server integration suites. Never applied
// outside tests — get_api_error_code and OpenSSL_Sign here are stand-ins
// for procedures a real deployment provides itself.
func ApplyFixtureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, fixtureSchemaSQL)
	if err != nil {
		return fmt.Errorf("applying fixture schema: %w", err)
	}
	return nil
}

const fixtureSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    userid       serial PRIMARY KEY,
    username     text NOT NULL UNIQUE,
    firstname    text NOT NULL,
    lastname     text NOT NULL,
    creationdate date NOT NULL DEFAULT current_date
);

CREATE TABLE IF NOT EXISTS user_hosts (
    userid int NOT NULL REFERENCES users(userid),
    host   text NOT NULL
);

CREATE TABLE IF NOT EXISTS user_friends (
    userid       int NOT NULL REFERENCES users(userid),
    friend_id    int NOT NULL REFERENCES users(userid)
);

INSERT INTO users (username, firstname, lastname, creationdate) VALUES
    ('joel', 'Joel', 'Jacobson', '2012-05-25'),
    ('ann', 'Ann', 'Andersson', '2013-01-10'),
    ('bo', 'Bo', 'Bengtsson', '2014-02-11')
ON CONFLICT (username) DO NOTHING;

INSERT INTO user_hosts (userid, host)
SELECT u.userid, h FROM users u, unnest(ARRAY['127.0.0.1','192.168.0.1','10.0.0.1']) h
WHERE u.username = 'joel'
ON CONFLICT DO NOTHING;

INSERT INTO user_friends (userid, friend_id)
SELECT u.userid, f.userid FROM users u, users f
WHERE u.username = 'joel' AND f.username != 'joel'
ON CONFLICT DO NOTHING;

-- S1: scalar return.
CREATE OR REPLACE FUNCTION get_userid_by_username(_username text)
RETURNS int AS $$
    SELECT userid FROM users WHERE username = _username;
$$ LANGUAGE sql STABLE;

-- S2: multi-row single-column.
CREATE OR REPLACE FUNCTION get_user_hosts(_userid int)
RETURNS TABLE(host text) AS $$
    SELECT host FROM user_hosts WHERE userid = _userid;
$$ LANGUAGE sql STABLE;

-- S3: single-row multi-column.
CREATE OR REPLACE FUNCTION get_user_details(_userid int)
RETURNS TABLE(firstname text, lastname text, creationdate date) AS $$
    SELECT firstname, lastname, creationdate FROM users WHERE userid = _userid;
$$ LANGUAGE sql STABLE;

-- S4: multi-row multi-column.
CREATE OR REPLACE FUNCTION get_user_friends(_userid int)
RETURNS TABLE(userid int, firstname text, lastname text, creationdate date) AS $$
    SELECT f.userid, f.firstname, f.lastname, f.creationdate
    FROM user_friends uf JOIN users f ON f.userid = uf.friend_id
    WHERE uf.userid = _userid;
$$ LANGUAGE sql STABLE;

-- S5: host injection.
CREATE OR REPLACE FUNCTION get_user_context(_username text, _host text, OUT username text, OUT host text)
RETURNS record AS $$
    SELECT _username, _host;
$$ LANGUAGE sql STABLE;

-- S6: ambiguity via overloads.
CREATE OR REPLACE FUNCTION foo(_a int)
RETURNS int AS $$
    SELECT _a;
$$ LANGUAGE sql IMMUTABLE;

CREATE OR REPLACE FUNCTION foo(_a int, _b int)
RETURNS int AS $$
    SELECT _a + _b;
$$ LANGUAGE sql IMMUTABLE;

-- S6: true ambiguity via the underscore-mangling dual name-match rule.
-- "bar_baz" matches itself exactly and matches "barbaz" after both names
-- have their underscores stripped; both declare the same argument set, so
-- a call to either spelling resolves to two candidates.
CREATE OR REPLACE FUNCTION bar_baz(_x int)
RETURNS int AS $$
    SELECT _x;
$$ LANGUAGE sql IMMUTABLE;

CREATE OR REPLACE FUNCTION barbaz(_x int)
RETURNS int AS $$
    SELECT _x * 2;
$$ LANGUAGE sql IMMUTABLE;

-- S7: v1 envelope dispatch. Dev-only stand-ins for the signing and error
-- code procedures a real deployment supplies.
CREATE OR REPLACE FUNCTION get_api_error_code(_tag text)
RETURNS text AS $$
    SELECT 'ERR_' || _tag;
$$ LANGUAGE sql IMMUTABLE;

CREATE OR REPLACE FUNCTION "OpenSSL_Sign"(_method text, _jsondata text, _uuid text)
RETURNS text AS $$
    SELECT encode(sha256((_method || _jsondata || _uuid)::bytea), 'hex');
$$ LANGUAGE sql IMMUTABLE;

CREATE OR REPLACE FUNCTION api_call(_signature text, _uuid text, _data jsonb, _host text, _method text)
RETURNS jsonb AS $$
    SELECT jsonb_build_object(
        'method', _method,
        'uuid', _uuid,
        'host', _host,
        'echo', _data
    );
$$ LANGUAGE sql STABLE;
`
