package crdt

import "errors"

// Document 可合并的共享文档（黑盒）
// 约定：
// - ApplyRemoteUpdate 幂等且可交换：重复应用、乱序应用都收敛到同一状态
// - CaptureLocalUpdate 返回上次调用以来的本地增量，没有则返回 nil
// - OnDestroy 注册的回调在 Destroy 时恰好触发一次
// - OnDestroy、OnLocalChange 返回注销函数，不再关心文档的一方调用它
type Document interface {
	ApplyRemoteUpdate(update []byte) error
	CaptureLocalUpdate() []byte
	OnDestroy(fn func()) func()
	Destroy()
}

// ChangeNotifier 可选能力：本地修改后通知同步层安排 flush
type ChangeNotifier interface {
	OnLocalChange(fn func()) func()
}

// Snapshotter 可选能力：导出完整状态（用于握手、本地持久化、种子）
type Snapshotter interface {
	EncodeState() []byte
	HasState() bool
}

var ErrDocumentDestroyed = errors.New("DOCUMENT_DESTROYED")
