package api

import "net/http"

// openAPIDocument serves the OpenAPI description consumed by the
// swagger UI at /swagger/index.html.
func openAPIDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(openAPIJSON))
}

const openAPIJSON = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Eventra API",
    "description": "Event submission, entity reads, saga administration, and dead letter management for one service runtime.",
    "version": "1.0"
  },
  "paths": {
    "/api/v1/events": {
      "post": {
        "summary": "Submit an event to the pipeline",
        "description": "Blocks until the pipeline completes the event. A processed event answers 201; a rejected event answers 422 with the failing stage and reason.",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/EventSubmitRequest"}
            }
          }
        },
        "responses": {
          "201": {"description": "Event processed", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/EventSubmitResponse"}}}},
          "400": {"description": "Invalid request"},
          "422": {"description": "Event rejected by the pipeline", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/EventSubmitResponse"}}}},
          "504": {"description": "Completion wait timed out"}
        }
      }
    },
    "/api/v1/entities/{key}": {
      "get": {
        "summary": "Read the materialized view of an entity",
        "parameters": [{"name": "key", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Current view"},
          "404": {"description": "No event has touched the entity"}
        }
      }
    },
    "/api/v1/entities/{key}/events": {
      "get": {
        "summary": "List the journal of an entity in sequence order",
        "parameters": [{"name": "key", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Event history"}
        }
      }
    },
    "/api/v1/sagas": {
      "post": {
        "summary": "Start a saga",
        "description": "With wait=true the response carries the terminal status: 201 for COMPLETED, 422 otherwise. Without wait the saga is accepted with 202.",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/SagaStartRequest"}
            }
          }
        },
        "responses": {
          "201": {"description": "Saga completed"},
          "202": {"description": "Saga accepted"},
          "404": {"description": "Unknown saga type"},
          "422": {"description": "Saga failed or compensated"}
        }
      },
      "get": {
        "summary": "List sagas",
        "parameters": [
          {"name": "status", "in": "query", "schema": {"type": "string"}},
          {"name": "correlation_id", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "default": 50}}
        ],
        "responses": {"200": {"description": "Saga summaries"}}
      }
    },
    "/api/v1/sagas/{id}": {
      "get": {
        "summary": "Get saga state with per-step records",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Saga state"},
          "404": {"description": "Saga not found"}
        }
      }
    },
    "/api/v1/sagas/{id}/timeline": {
      "get": {
        "summary": "Get the journaled transition history of a saga",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Timeline entries, oldest first"},
          "404": {"description": "Saga not found"},
          "503": {"description": "Saga journal not configured"}
        }
      }
    },
    "/api/v1/sagas/{id}/compensate": {
      "post": {
        "summary": "Force compensation of a running saga",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "202": {"description": "Compensation started"},
          "404": {"description": "Saga not found"},
          "409": {"description": "Saga already terminal"}
        }
      }
    },
    "/api/v1/sagas/{id}/resume": {
      "post": {
        "summary": "Resume an interrupted saga from its last recorded step",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "202": {"description": "Resume accepted"},
          "404": {"description": "Saga not found"}
        }
      }
    },
    "/api/v1/dlq": {
      "get": {
        "summary": "List dead letter entries",
        "parameters": [
          {"name": "event_type", "in": "query", "schema": {"type": "string"}},
          {"name": "service", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "default": 50}},
          {"name": "offset", "in": "query", "schema": {"type": "integer"}}
        ],
        "responses": {"200": {"description": "Entries in first-failure order plus unpaged total"}}
      }
    },
    "/api/v1/dlq/count": {
      "get": {
        "summary": "Count dead letter entries",
        "responses": {"200": {"description": "Entry count"}}
      }
    },
    "/api/v1/dlq/{id}": {
      "get": {
        "summary": "Get one dead letter entry",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Entry"},
          "404": {"description": "Entry not found"}
        }
      },
      "delete": {
        "summary": "Discard one dead letter entry without replaying it",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Entry discarded"},
          "404": {"description": "Entry not found"}
        }
      }
    },
    "/api/v1/dlq/{id}/replay": {
      "post": {
        "summary": "Replay one dead letter entry onto its original topic",
        "description": "Replays are capped per entry. Past the cap the replay answers 409 and the entry needs an explicit discard.",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Entry republished"},
          "404": {"description": "Entry not found"},
          "409": {"description": "Replay limit reached"}
        }
      }
    },
    "/health": {
      "get": {
        "summary": "Liveness probe",
        "responses": {"200": {"description": "Service healthy"}, "503": {"description": "Service unhealthy"}}
      }
    },
    "/ready": {
      "get": {
        "summary": "Readiness probe",
        "responses": {"200": {"description": "Service ready"}, "503": {"description": "Service not ready"}}
      }
    },
    "/status": {
      "get": {
        "summary": "Detailed runtime status",
        "responses": {"200": {"description": "Component status map"}}
      }
    }
  },
  "components": {
    "schemas": {
      "EventSubmitRequest": {
        "type": "object",
        "required": ["event_type", "entity_key"],
        "properties": {
          "event_type": {"type": "string"},
          "entity_key": {"type": "string"},
          "schema": {"type": "string"},
          "payload": {"type": "object", "additionalProperties": true},
          "event_version": {"type": "integer"}
        }
      },
      "EventSubmitResponse": {
        "type": "object",
        "properties": {
          "event_id": {"type": "string"},
          "event_type": {"type": "string"},
          "entity_key": {"type": "string"},
          "outcome": {"type": "string"},
          "stage": {"type": "string"},
          "error": {"type": "string"},
          "sequence": {"type": "integer"},
          "submitted_at": {"type": "string", "format": "date-time"},
          "completed_at": {"type": "string", "format": "date-time"}
        }
      },
      "SagaStartRequest": {
        "type": "object",
        "required": ["saga_type"],
        "properties": {
          "saga_type": {"type": "string"},
          "input": {"type": "object", "additionalProperties": true},
          "correlation_id": {"type": "string"},
          "wait": {"type": "boolean"}
        }
      }
    }
  }
}`
