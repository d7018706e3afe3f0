// Package logx configures taskq's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps console
// output readable (short timestamp + short caller) and file output
// JSON-structured. Components receive a Logger through their constructors;
// nothing in this package installs global state as an import side effect.
package logx
