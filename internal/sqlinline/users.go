package sqlinline

const QSelectUserProviderKey = `--sql 4ab2c871-95e3-4f06-bd14-2c68f0a9d531
select coalesce(properties->>'provider_api_key', '')
from users
where id = $1::uuid
limit 1;
`

const QSelectUserLocale = `--sql 68df13b5-a097-42ce-8541-9be72dc60f18
select coalesce(locale_pref, properties->>'preferred_locale', '')
from users
where id = $1::uuid
limit 1;
`
