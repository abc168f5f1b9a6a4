// ABOUTME: Database schema for the director: the tables of the persisted data model.
// ABOUTME: Key fields follow the platform contract; deletion of experiments is soft (username rewrite).
package store

const schema = `
	CREATE TABLE IF NOT EXISTS authentication (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		is_sudo INTEGER NOT NULL DEFAULT 0,
		access_tags TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS experiments (
		experiment_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		experiment_name TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		error TEXT,
		execution_results TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		cleaned INTEGER NOT NULL DEFAULT 0,
		UNIQUE (username, experiment_name)
	);

	CREATE TABLE IF NOT EXISTS locks (
		node_name TEXT NOT NULL,
		connector TEXT NOT NULL,
		username TEXT NOT NULL,
		experiment_id TEXT NOT NULL,
		PRIMARY KEY (node_name, connector)
	);

	CREATE TABLE IF NOT EXISTS compilations (
		experiment_id TEXT NOT NULL,
		compilation_id TEXT NOT NULL,
		status TEXT,
		result TEXT,
		architecture TEXT NOT NULL,
		pipeline BLOB,
		environment_definition TEXT NOT NULL,
		created_at TEXT NOT NULL,
		claimed_seq INTEGER,
		PRIMARY KEY (experiment_id, compilation_id)
	);

	CREATE TABLE IF NOT EXISTS executors (
		experiment_id TEXT NOT NULL,
		executor_id TEXT PRIMARY KEY,
		node_name TEXT NOT NULL,
		connector TEXT NOT NULL,
		pipeline BLOB,
		result BLOB,
		keepalive TEXT,
		error TEXT,
		finished INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'LOOKING_FOR_PIPELINE'
	);

	CREATE INDEX IF NOT EXISTS executors_by_experiment ON executors (experiment_id);

	CREATE TABLE IF NOT EXISTS flags (
		experiment_id TEXT NOT NULL,
		key TEXT NOT NULL,
		text_value TEXT,
		int_value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (experiment_id, key)
	);`
