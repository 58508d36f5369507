package logg

const (
	Layer     = "layer"
	Operation = "operation"
	TaskID    = "task_id"
	Step      = "step"
	Revision  = "revision"
	Action    = "action"
	Target    = "target"
	Selector  = "selector"
	URL       = "url"
	Reason    = "reason"
)
