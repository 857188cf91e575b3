package schema

import _ "embed"

// TasksV1Schema contains the JSON schema for task manifests.
//
//go:embed tasks.v1.json
var TasksV1Schema []byte
