package storage

import logx "deadlinebot/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
