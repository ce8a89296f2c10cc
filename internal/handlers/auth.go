package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"nexus-backend/internal/database"
	"nexus-backend/internal/jwt"
	"nexus-backend/internal/models"
	"nexus-backend/internal/snowflake"
	"nexus-backend/internal/validator"

	"golang.org/x/crypto/bcrypt"
)

func Login(w http.ResponseWriter, r *http.Request) {
	type Login struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	var login Login
	err := json.NewDecoder(r.Body).Decode(&login)
	if err != nil {
		sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	account, err := db.GetAccountByEmail(login.Email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			sugar.Debugf("Login attempt for unknown email [%s]", login.Email)
			http.Error(w, "", http.StatusUnauthorized)
		} else {
			sugar.Error(err)
			http.Error(w, "", http.StatusInternalServerError)
		}
		return
	}

	err = bcrypt.CompareHashAndPassword(account.Password, []byte(login.Password))
	if err != nil {
		sugar.Debug(err)
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	token, cookie, err := jwt.CreateToken(r.URL.Query().Get("rememberMe") == "true", account.ID)
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &cookie)
	err = json.NewEncoder(w).Encode(map[string]string{"token": token})
	if err != nil {
		sugar.Error(err)
	}
}

func Register(w http.ResponseWriter, r *http.Request) {
	registerErrors := make(map[string]string)

	type Registration struct {
		Email           string `json:"email"`
		Username        string `json:"username"`
		DisplayName     string `json:"displayName"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}

	var registration Registration
	err := json.NewDecoder(r.Body).Decode(&registration)
	if err != nil {
		sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	if err := validator.Email(registration.Email); err != nil {
		registerErrors["email"] = err.Error()
	}
	if err := validator.Username(registration.Username); err != nil {
		registerErrors["username"] = err.Error()
	}
	if err := validator.Password(registration.Password); err != nil {
		registerErrors["password"] = err.Error()
	}
	if registration.Password != registration.ConfirmPassword {
		registerErrors["confirmPassword"] = "passwords don't match"
	}

	if len(registerErrors) != 0 {
		// 400 with the form field errors
		w.WriteHeader(http.StatusBadRequest)
		if err := json.NewEncoder(w).Encode(registerErrors); err != nil {
			sugar.Error(err)
		}
		return
	}

	if _, err := db.GetAccountByUsername(registration.Username); err == nil {
		registerErrors["username"] = "username taken"
		w.WriteHeader(http.StatusConflict)
		if err := json.NewEncoder(w).Encode(registerErrors); err != nil {
			sugar.Error(err)
		}
		return
	}
	if _, err := db.GetAccountByEmail(registration.Email); err == nil {
		registerErrors["email"] = "email already registered"
		w.WriteHeader(http.StatusConflict)
		if err := json.NewEncoder(w).Encode(registerErrors); err != nil {
			sugar.Error(err)
		}
		return
	}

	accountID, err := snowflake.Generate()
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(registration.Password), bcrypt.DefaultCost)
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	displayName := registration.DisplayName
	if displayName == "" {
		displayName = registration.Username
	}

	account := models.Account{
		ID:          accountID,
		Email:       registration.Email,
		Username:    registration.Username,
		DisplayName: displayName,
		Password:    passwordHash,
	}
	if err := db.CreateAccount(&account); err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	sugar.Infof("Account %d registered as [%s]", accountID, registration.Username)
	w.WriteHeader(http.StatusCreated)
}
