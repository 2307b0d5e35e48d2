// Package permission is the approval gate between the session loop and any
// tool call that can mutate the world.
//
// A Checker holds per-session policy state. Check consults the configured
// action: allow passes, deny fails with a RejectedError the loop converts
// into a synthetic tool result, and ask parks the call on a single-shot
// response channel until the user answers allow-once, allow-session,
// allow-always, or deny. Grants are scoped: allow-session lasts only until
// the session next loses foreground, allow-always until an explicit reset
// back to ask. Only the foreground session ever prompts; background
// sessions auto-approve, and switching foreground both resolves any
// prompts the outgoing session still had pending and expires its
// session-scoped grants.
//
// Bash commands get finer treatment: ParseBashCommand (built on mvdan.cc/sh)
// splits a command line into its constituent simple commands so each can be
// matched against configured patterns, dangerous file operations can have
// their paths checked against the working directory, and wildcard rules
// from config can allow or deny whole command families.
//
// DoomLoopDetector watches the stream of (tool, arguments) signatures per
// session in a rolling window and trips once the same signature repeats
// past its threshold - lower for destructive tools - which forces the loop
// to break the turn.
package permission
