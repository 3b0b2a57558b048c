// Package storage persists the dedup cache, the fail queue and the account
// selector's rotation state in a single SQLite database.
package storage
