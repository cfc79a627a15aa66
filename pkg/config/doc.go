// Package config loads the configuration of a BSig agent and the documents
// operators hand to it.
//
// # Agent configuration
//
// AgentConfig is read from YAML, completed with defaults and environment
// overrides, and validated with struct tags:
//
//	agent:
//	  name: web
//	  port: 1314
//	data_dir: /var/sfpagent
//	lock:
//	  kind: redis
//	  redis_url: redis://localhost:6379/0
//	engine:
//	  sleep_time: 5s
//	  max_tries: 5
//
// The environment variables BSIG_NAME, BSIG_PORT, BSIG_DATA_DIR,
// BSIG_REDIS_URL and LOG_LEVEL override the file.
//
// # Documents
//
// DocumentLoader reads desired-state models and repair models from JSON,
// YAML or CUE files. CUE documents are evaluated first, so models can be
// written with references and defaults. Every document is unified with a
// built-in CUE schema before it is decoded, and schema violations are
// reported with file and line positions.
package config
