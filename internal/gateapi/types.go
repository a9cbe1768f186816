package gateapi

// Mode is the backend's name for an access lane.
type Mode string

const (
	ModeVehicular  Mode = "VEHICULAR"
	ModePedestrian Mode = "PEATONAL"
)

type gateOpenBody struct {
	Mode  Mode   `json:"modo"`
	Plate string `json:"placa,omitempty"`
}

type gateCloseBody struct {
	Mode Mode `json:"modo"`
}

// Result is the backend's acknowledgement of an open or close command.
// Fields the endpoint does not echo are left empty.
type Result struct {
	Status string `json:"status"`
	Action string `json:"accion"`
	Mode   Mode   `json:"modo,omitempty"`
	Plate  string `json:"placa,omitempty"`
	Door   string `json:"puerta,omitempty"`
}

// Resident carries the subset of the resident profile that gates access.
type Resident struct {
	Type        string `json:"tipo"`
	CanOpenGate bool   `json:"puede_abrir_porton"`
	CanOpenDoor bool   `json:"puede_abrir_puerta"`
}

// Profile is the authenticated user as returned by /users/me/.
type Profile struct {
	ID       int       `json:"id"`
	Username string    `json:"username"`
	IsStaff  bool      `json:"is_staff"`
	Resident *Resident `json:"residente,omitempty"`
}

// IsPrincipal reports whether the user is the family's principal resident.
func (p Profile) IsPrincipal() bool {
	return p.Resident != nil && p.Resident.Type == "PRINCIPAL"
}

// CanOperateGate mirrors the backend rule: staff, principal residents and
// residents granted puede_abrir_porton.
func (p Profile) CanOperateGate() bool {
	return p.IsStaff || p.IsPrincipal() || (p.Resident != nil && p.Resident.CanOpenGate)
}

// CanOperateDoor is the pedestrian-door counterpart of CanOperateGate.
func (p Profile) CanOperateDoor() bool {
	return p.IsStaff || p.IsPrincipal() || (p.Resident != nil && p.Resident.CanOpenDoor)
}
