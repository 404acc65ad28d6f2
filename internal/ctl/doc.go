// Package ctl implements ankisyncctl, the control tool of the sync server.
// It starts, runs in the foreground and stops the server process, and
// administers the credential store.
//
//	ankisyncctl [-c config.json] <command> [<args>]
//
// Commands:
//
//	start [configfile]   start the server in the background
//	debug [configfile]   run the server in the foreground
//	stop                 stop the server
//	status               check the pid file and query /healthz
//	adduser <username>   add a user
//	deluser <username>   delete a user and drop its sessions
//	lsuser               list users
//	passwd <username>    change a user's password
package ctl
