// Package socketclient speaks a small line protocol over TCP and provides a
// server implementing it.
//
// Requests are single lines; fields are separated by one space and a value
// runs to the end of the line:
//
//	ADD <key> <value>      create a key
//	DEL <key>              remove a key
//	REN <key> <newkey>     rename a key
//	MOD <key> <value>      replace a value
//	SCAN <prefix>          count keys with a prefix
//	CMP <key> <value>      +OK TRUE or +OK FALSE
//	AUTH <key> <secret>    authenticate as a key
//	QUIT
//
// Replies are "+OK [data]" or "-ERR <code> <message>". The server greets each
// connection with a +OK line before the first request.
package socketclient

import (
	"strings"

	"github.com/willfong/workload-generator/internal/engine"
)

// Protocol verbs.
const (
	verbAdd    = "ADD"
	verbDel    = "DEL"
	verbRen    = "REN"
	verbMod    = "MOD"
	verbScan   = "SCAN"
	verbCmp    = "CMP"
	verbAuth   = "AUTH"
	verbQuit   = "QUIT"
	replyOK    = "+OK"
	replyError = "-ERR"
)

// Result codes carried in -ERR replies.
const (
	CodeEntryExists        = "entry_exists"
	CodeNoSuchKey          = "no_such_key"
	CodeInvalidCredentials = "invalid_credentials"
	CodeBadRequest         = "bad_request"
	CodeCompareTrue        = "compare_true"
	CodeCompareFalse       = "compare_false"
)

var verbs = map[engine.Kind]string{
	engine.KindAdd:     verbAdd,
	engine.KindDelete:  verbDel,
	engine.KindRename:  verbRen,
	engine.KindModify:  verbMod,
	engine.KindSearch:  verbScan,
	engine.KindCompare: verbCmp,
	engine.KindBind:    verbAuth,
}

// encode renders req as a request line without the trailing newline.
func encode(req engine.Request, secret string) (string, bool) {
	verb, ok := verbs[req.Kind]
	if !ok {
		return "", false
	}
	switch req.Kind {
	case engine.KindDelete, engine.KindSearch:
		return verb + " " + req.Target, true
	case engine.KindRename:
		return verb + " " + req.Target + " " + req.NewTarget, true
	case engine.KindBind:
		return verb + " " + req.Target + " " + secret, true
	default:
		return verb + " " + req.Target + " " + req.Value, true
	}
}

// validKey reports whether s can travel as a single protocol field.
func validKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \r\n")
}
