// Package main hosts the pagesift service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job
//     endpoints. A submitted job is validated, given defaults from config,
//     and handed to the crawl registry, which enforces one active job per
//     process.
//   - Crawl engine: internal/crawl owns the frontier (FIFO queue plus
//     queued/in-flight/completed/failed sets keyed by canonical URL), the
//     per-target page quotas, and the worker pool. Workers claim URLs,
//     render them, dedupe by content hash, persist unique pages, and feed
//     extracted links back into the frontier.
//   - Rendering: internal/renderer/headless drives real Chrome tabs via
//     chromedp, pooled and reused across pages within a job. The readiness
//     detector (internal/readiness) waits for network idle, DOM stability,
//     and a content plateau before extraction, degrading to extract-now
//     when signals never settle.
//   - Persistence: crawl metadata and page records go to the configured
//     store (memory or postgres via pgx); raw HTML goes to the blob cache
//     (memory, local disk, or GCS). Cache hits skip rendering and re-derive
//     links from the cached HTML.
//   - Fanout: page and job completion events are published (in-memory or
//     Google Cloud Pub/Sub). Progress events flow through a never-blocking
//     hub into zap, Prometheus, and store sinks.
//
// Operational notes:
//   - One crawl job runs at a time; a second POST /v1/jobs returns 409.
//   - Shutdown: SIGINT/SIGTERM cancels the active job (status interrupted,
//     claims released) before draining the HTTP server and progress hub.
//   - Configure via PAGESIFT_* env vars or -config config.yaml; see
//     internal/config for every knob and its default.
package main
