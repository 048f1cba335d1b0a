// Package main hosts the site capture entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts POST /v1/captures with a target URL and an optional bucket/prefix,
//     applies the request timeout as the capture's wall-clock budget, and answers with the capture payload or a
//     structured error (status, error, errorType, cause).
//   - Capture pipeline: internal/capture.Service sanitizes the URL, fetches it directly with rotating browser
//     identities, and falls back to a headless Chrome session (chromedp) only when the origin blocks, times out or
//     resets the connection. Theme signals come from the browser, or from goquery when Chrome is unavailable.
//   - Asset rehosting: internal/rewriter downloads every image, script, icon and stylesheet once, uploads it through
//     internal/uploader, and inlines linked stylesheets so the rewritten page has no external CSS.
//   - Persistence & fanout: markup and assets go to the configured blob store (memory/local/GCS/S3). A ledger row is
//     written to Postgres when db.dsn is set, and a capture.completed event is published when pubsub.topic is set.
//     Both carry the SHA-256 of the original markup.
//   - Observability: Prometheus collectors on /metrics, OpenTelemetry spans per capture when tracing.enabled.
//     rewriter.per_host_rps paces asset downloads per origin host.
//
// Quick checklist:
//   - Configure env vars: CAPTURE_STORAGE_PROVIDER, CAPTURE_STORAGE_BUCKET, CAPTURE_STORAGE_PUBLIC_BASE_URL,
//     CAPTURE_BROWSER_ENABLED, CAPTURE_BROWSER_EXEC_PATH, CAPTURE_PUBSUB_*, CAPTURE_DB_DSN.
//   - Run the server: go run ./cmd/sitecapture serve --config config.yaml
//   - One-off capture: go run ./cmd/sitecapture capture https://example.com --bucket captures
//   - Cloud Run: the server listens on PORT when set and drains in-flight captures on SIGTERM.
package main
