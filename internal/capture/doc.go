// Package capture implements the site capture pipeline: it sanitizes a target
// URL, fetches the page directly or through a headless browser, extracts theme
// signals, re-hosts every referenced asset, and persists the original and
// rewritten markup.
package capture
