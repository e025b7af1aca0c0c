package patients

// Patient is the backend's patient object as served to the treating doctor.
type Patient struct {
	ID        int64   `json:"id"`
	FIO       string  `json:"fio"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone"`
	Birthday  *string `json:"birthday"`
	LastVisit *string `json:"last_visit"`
}

// Record is one medical record belonging to a patient.
type Record struct {
	ID        int64   `json:"id"`
	Patient   int64   `json:"patient"`
	VisitDate *string `json:"visit_date"`
	Notes     string  `json:"notes"`
	Created   string  `json:"created"`
	Updated   string  `json:"updated"`
}
