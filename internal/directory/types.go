package directory

// PasswordProfile carries the initial password assigned on create. The user
// is forced to change it on first sign-in.
type PasswordProfile struct {
	ForceChangePasswordNextSignIn bool   `json:"forceChangePasswordNextSignIn"`
	Password                      string `json:"password"`
}

// UserPayload is the wire shape of a directory user object. Optional fields
// are omitted when empty; businessPhones is always serialized so an update
// can clear a removed phone number.
type UserPayload struct {
	AccountEnabled bool     `json:"accountEnabled"`
	DisplayName    string   `json:"displayName"`
	GivenName      string   `json:"givenName"`
	Surname        string   `json:"surname"`
	JobTitle       string   `json:"jobTitle"`
	Department     string   `json:"department,omitempty"`
	EmployeeID     string   `json:"employeeId,omitempty"`
	OfficeLocation string   `json:"officeLocation,omitempty"`
	BusinessPhones []string `json:"businessPhones"`

	// Create-only fields. MailNickname and UserPrincipalName identify the
	// object; this engine never patches them on update.
	MailNickname      string           `json:"mailNickname,omitempty"`
	UserPrincipalName string           `json:"userPrincipalName,omitempty"`
	PasswordProfile   *PasswordProfile `json:"passwordProfile,omitempty"`
}

// createUserResponse is the subset of the create response we consume
type createUserResponse struct {
	ID string `json:"id"`
}

// findUsersResponse is the envelope of a filtered user listing
type findUsersResponse struct {
	Value []struct {
		ID                string `json:"id"`
		UserPrincipalName string `json:"userPrincipalName"`
	} `json:"value"`
}

// organizationResponse is the subset of the organization listing used by the
// connection test
type organizationResponse struct {
	Value []struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"value"`
}

// apiError is the standard error envelope returned by the directory API
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
