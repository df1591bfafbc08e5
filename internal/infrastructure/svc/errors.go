package svc

import "errors"

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrExchangeInitFailed 错误：交易所客户端初始化失败
var ErrExchangeInitFailed = errors.New("exchange initialization failed")
