package output

// OnlineDoctorInfo - врач, подключенный к ленте входящих звонков
type OnlineDoctorInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// IncomingCallInfo - элемент ленты входящих звонков
type IncomingCallInfo struct {
	CallID     string `json:"call_id"`
	CallerName string `json:"caller_name"`
	Anonymous  bool   `json:"anonymous"`
	CreatedAt  string `json:"created_at"`
}
