package storage

// schemaStatements is the gateway DDL, applied in order by Migrate.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT,
		first_name TEXT,
		last_name TEXT,
		role TEXT NOT NULL DEFAULT 'internal_user',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS sso_user_mappings (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		internal_user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		last_login_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (provider, external_user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sso_sessions (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		provider TEXT NOT NULL,
		saml_session_index TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS virtual_keys (
		id BIGSERIAL PRIMARY KEY,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		key_name TEXT,
		user_id TEXT,
		team_id TEXT,
		max_budget DOUBLE PRECISION,
		spend DOUBLE PRECISION NOT NULL DEFAULT 0,
		budget_duration TEXT,
		budget_reset_at TIMESTAMPTZ,
		tpm_limit BIGINT,
		rpm_limit BIGINT,
		max_parallel_requests INT,
		allowed_models TEXT[],
		metadata JSONB,
		expires_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_virtual_keys_user ON virtual_keys(user_id)`,

	`CREATE TABLE IF NOT EXISTS request_logs (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		key_hash TEXT,
		user_id TEXT,
		model_alias TEXT NOT NULL,
		provider TEXT NOT NULL,
		upstream_model TEXT,
		endpoint TEXT NOT NULL,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		spend DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_request_logs_key ON request_logs(key_hash, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model_alias, created_at)`,

	`CREATE TABLE IF NOT EXISTS spend_daily (
		id BIGSERIAL PRIMARY KEY,
		day DATE NOT NULL,
		key_hash TEXT,
		model_alias TEXT NOT NULL,
		provider TEXT NOT NULL,
		requests BIGINT NOT NULL DEFAULT 0,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		spend DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (day, key_hash, model_alias, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		actor TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
