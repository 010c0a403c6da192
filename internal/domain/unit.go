package domain

// UnitState 输入单元在流水线中的状态
//
//	Parsed → AttachmentsExtracted → BlobsStored → Linked → Committed
//
// 任意状态都可以转入终态 Failed。
type UnitState int

const (
	UnitParsed UnitState = iota
	UnitAttachmentsExtracted
	UnitBlobsStored
	UnitLinked
	UnitCommitted
	UnitFailed
)

var unitStateNames = map[UnitState]string{
	UnitParsed:               "parsed",
	UnitAttachmentsExtracted: "attachments_extracted",
	UnitBlobsStored:          "blobs_stored",
	UnitLinked:               "linked",
	UnitCommitted:            "committed",
	UnitFailed:               "failed",
}

// String 返回状态名
func (s UnitState) String() string {
	if name, ok := unitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal 是否为终态
func (s UnitState) Terminal() bool {
	return s == UnitCommitted || s == UnitFailed
}

// CanTransition 校验状态迁移是否合法
func (s UnitState) CanTransition(next UnitState) bool {
	if s.Terminal() {
		return false
	}
	if next == UnitFailed {
		return true
	}
	return next == s+1
}
