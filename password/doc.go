// Package password hashes and verifies user passwords.
//
// New hashes are Argon2id in PHC form:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Rows imported from the legacy store carry bcrypt hashes ($2a$, $2b$, $2y$). [Multi]
// verifies both and reports bcrypt rows through NeedsUpgrade so callers re-hash them
// with Argon2id after the next successful login.
package password
